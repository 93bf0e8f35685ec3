package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(name, op string) StepSnapshot {
	return StepSnapshot{
		Name:       name,
		Operation:  op,
		DeviceKind: "compute",
		DeviceID:   "n1",
		RetryCount: 3,
		Parameters: map[string]any{},
	}
}

func TestTracker_StepLifecycle(t *testing.T) {
	trk := New("")
	now := time.Unix(1000, 0)
	trk.now = func() time.Time { return now }
	trk.AddFlow("main", 2, "", "")
	trk.SetFlowRunning("main")

	id := trk.StartStepExecution("main", snap("A", "power_on"), 0)
	require.NotEmpty(t, id)
	trk.UpdateStepExecution("main", id, "retrying (attempt 2)", nil)
	trk.AddStepRetry(id, 0, 1.5)
	trk.AddStepRetry(id, 1, 2.0)
	now = now.Add(3500 * time.Millisecond)
	trk.CompleteStepExecution(id, true, "")

	flow, ok := trk.Flow("main")
	require.True(t, ok)
	require.Len(t, flow.StepsExecuted, 1)
	exec := flow.StepsExecuted[0]
	assert.Equal(t, "A", exec.StepName)
	assert.Equal(t, StepCompleted, exec.Status)
	assert.True(t, exec.FinalResult)
	assert.Equal(t, 1, exec.RetryAttempts)
	assert.Equal(t, []float64{1.5, 2.0}, exec.RetryDurations)
	assert.InDelta(t, 3.5, flow.TotalStepDuration, 0.0001)
}

func TestTracker_CompleteIsIdempotentPerExecution(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 1, "", "")
	id := trk.StartStepExecution("main", snap("A", "op"), 0)
	trk.CompleteStepExecution(id, false, "boom")
	trk.CompleteStepExecution(id, true, "")

	flow, _ := trk.Flow("main")
	assert.Len(t, flow.StepsExecuted, 1, "a record is appended exactly once")
	assert.False(t, flow.StepsExecuted[0].FinalResult, "second completion is ignored")
}

func TestTracker_CounterConsistency(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 3, "", "")

	// Step 1: two failed attempts then success, jumped on success.
	id1 := trk.StartStepExecution("main", snap("A", "op"), 0)
	trk.AddStepRetry(id1, 1, 0.5)
	trk.AddStepRetry(id1, 2, 0.5)
	trk.AddStepJump(id1, "success", "z")
	trk.CompleteStepExecution(id1, true, "")

	// Step 2: failed, jumped on failure, triggered an optional flow.
	id2 := trk.StartStepExecution("main", snap("B", "op"), 1)
	trk.AddStepRetry(id2, 3, 1.0)
	trk.AddOptionalFlowTrigger(id2, "rec", false)
	trk.AddOptionalFlowTrigger(id2, "rec", true)
	trk.AddStepJump(id2, "failure", "a")
	trk.CompleteStepExecution(id2, false, "failed")

	flow, _ := trk.Flow("main")
	assert.Equal(t, 5, flow.TotalRetryAttempts)
	assert.Equal(t, 5, flow.RetriesExecuted)
	assert.Equal(t, 1, flow.JumpOnSuccessExecuted)
	assert.Equal(t, 1, flow.JumpOnFailureExecuted)
	assert.Equal(t, 2, flow.TotalJumpsTaken)
	assert.Equal(t, 1, flow.TotalOptionalTriggered, "re-triggering the same optional flow counts once")
	assert.Equal(t, 1, flow.FailedStepsCount)
	assert.Equal(t, "B", flow.StepWithMostRetries)
	assert.GreaterOrEqual(t, flow.LongestStepDuration, 0.0)

	exec := flow.StepsExecuted[1]
	assert.Equal(t, []string{"rec"}, exec.OptionalFlowsTriggered)
	assert.True(t, exec.OptionalFlowResults["rec"])
}

func TestTracker_FlowStatusTransitions(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 4, "", "")
	assert.Equal(t, FlowPending, trk.FlowStatus("main"))

	trk.SetFlowRunning("main")
	assert.Equal(t, FlowRunning, trk.FlowStatus("main"))

	// Completed -> Running transition is guarded: only Pending promotes.
	trk.SetFlowCompleted("main")
	trk.SetFlowRunning("main")
	assert.Equal(t, FlowCompleted, trk.FlowStatus("main"))

	flow, _ := trk.Flow("main")
	assert.Equal(t, "All Steps Done", flow.CurrentStep)
	assert.Equal(t, 4, flow.CompletedSteps)
}

func TestTracker_SetFlowFailedCopiesStepErrors(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 1, "", "")
	id := trk.StartStepExecution("main", snap("Flash BMC", "update_firmware"), 0)
	trk.AppendErrorMessages(id, []string{"connection refused", "flash timed out"})
	trk.CompleteStepExecution(id, false, "")
	trk.SetFlowFailed("main", "Step failed")

	flow, _ := trk.Flow("main")
	assert.Equal(t, FlowFailed, flow.Status)
	assert.Equal(t, "Step 'Flash BMC' failed: flash timed out", flow.CurrentStep)
	assert.Equal(t, []string{"connection refused", "flash timed out"}, flow.ErrorMessages)
}

func TestTracker_SetFlowError(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 3, "", "")
	trk.UpdateFlowCurrentStep("main", "A", 2)
	trk.SetFlowError("main", "panic: device cache corrupted")

	flow, _ := trk.Flow("main")
	assert.Equal(t, FlowError, flow.Status)
	assert.Equal(t, "panic: device cache corrupted", flow.CurrentStep)
	assert.Zero(t, flow.CompletedSteps)
}

func TestTracker_OptionalFlowHierarchy(t *testing.T) {
	trk := New("")
	trk.AddFlow("main", 2, "", "")
	trk.AddFlow("rec", 1, "main", "Flash BMC")

	rec, ok := trk.Flow("rec")
	require.True(t, ok)
	assert.True(t, rec.IsOptionalFlow)
	assert.Equal(t, "main", rec.ParentFlowName)
	assert.Equal(t, "Flash BMC", rec.TriggeredByStep)
}

func TestTracker_TimingAndOptionalTime(t *testing.T) {
	trk := New("")
	now := time.Unix(1000, 0)
	trk.now = func() time.Time { return now }

	trk.AddFlow("main", 1, "", "")
	trk.AddFlow("rec", 1, "main", "A")

	trk.StartFlowTiming("rec")
	now = now.Add(5 * time.Second)
	trk.CompleteFlowTiming("rec")

	trk.StartFlowTiming("main")
	now = now.Add(30 * time.Second)
	trk.AddOptionalFlowTime("main", "rec")
	d := trk.CompleteFlowTiming("main")

	assert.InDelta(t, 30.0, d, 0.001)
	main, _ := trk.Flow("main")
	assert.InDelta(t, 5.0, main.TotalOptionalTesttime, 0.001)
	assert.InDelta(t, 25.0, main.TotalNonOptionalTesttime, 0.001)
}

func TestTracker_NonOptionalTesttimeClamped(t *testing.T) {
	trk := New("")
	now := time.Unix(1000, 0)
	trk.now = func() time.Time { return now }

	trk.AddFlow("main", 1, "", "")
	trk.AddFlow("rec", 1, "main", "A")

	// Child wall time exceeds the parent's (parallel recovery).
	trk.StartFlowTiming("rec")
	now = now.Add(60 * time.Second)
	trk.CompleteFlowTiming("rec")

	trk.StartFlowTiming("main")
	now = now.Add(10 * time.Second)
	trk.AddOptionalFlowTime("main", "rec")
	trk.CompleteFlowTiming("main")

	main, _ := trk.Flow("main")
	assert.Zero(t, main.TotalNonOptionalTesttime, "clamped at zero")
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func progressPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "flow_progress.json")
}

func readProgress(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc), "progress file must always parse")
	return doc
}

func TestTracker_WritesInitialEmptyState(t *testing.T) {
	path := progressPath(t)
	New(path)
	doc := readProgress(t, path)
	assert.NotEmpty(t, doc["timestamp"])
	assert.Empty(t, doc["flows"])
}

func TestTracker_ProgressFileSchema(t *testing.T) {
	path := progressPath(t)
	trk := New(path)
	trk.SetChecksum(0xdeadbeef)
	trk.AddFlow("main", 2, "", "")
	trk.AddFlow("rec", 1, "main", "A")
	trk.SetFlowRunning("main")

	id := trk.StartStepExecution("main", snap("A", "power_on"), 0)
	trk.AddStepRetry(id, 1, 0.25)
	trk.CompleteStepExecution(id, false, "gave up")
	trk.SetFlowFailed("main", "Step failed")

	doc := readProgress(t, path)
	flows := doc["flows"].(map[string]any)
	require.Contains(t, flows, "main")
	assert.NotContains(t, flows, "rec", "optional flows never appear at the top level")

	main := flows["main"].(map[string]any)
	for _, key := range []string{
		"status", "current_step", "current_step_index", "completed_steps", "total_steps",
		"total_testtime", "total_optional_flow_testtime", "total_non_optional_flow_testtime",
		"retries_executed", "jump_on_success_executed", "jump_on_failure_executed",
		"total_step_duration", "total_retry_attempts", "total_optional_flows_triggered",
		"total_jumps_taken", "failed_steps_count", "average_step_duration",
		"longest_step_duration", "step_with_most_retries", "error_messages",
		"steps_executed", "optional_flows",
	} {
		assert.Contains(t, main, key, "missing flow key %s", key)
	}
	assert.Equal(t, "Failed", main["status"])

	opt := main["optional_flows"].(map[string]any)
	require.Contains(t, opt, "rec")
	rec := opt["rec"].(map[string]any)
	assert.Equal(t, "A", rec["caller"])

	steps := main["steps_executed"].([]any)
	require.Len(t, steps, 1)
	step := steps[0].(map[string]any)
	for _, key := range []string{
		"step_name", "step_operation", "device_type", "device_id", "step_index",
		"execution_id", "status", "final_result", "retry_attempts", "retry_durations",
		"error_messages", "parameters", "started_at", "completed_at", "duration",
	} {
		assert.Contains(t, step, key, "missing step key %s", key)
	}
}

func TestTracker_FileParsesAfterEveryMutation(t *testing.T) {
	path := progressPath(t)
	trk := New(path)
	trk.AddFlow("main", 3, "", "")
	readProgress(t, path)
	trk.SetFlowRunning("main")
	readProgress(t, path)
	id := trk.StartStepExecution("main", snap("A", "op"), 0)
	trk.CompleteStepExecution(id, true, "")
	readProgress(t, path)
	trk.SetFlowCompleted("main")
	doc := readProgress(t, path)
	flows := doc["flows"].(map[string]any)
	assert.Equal(t, "Completed", flows["main"].(map[string]any)["status"])
}

func TestTracker_Clear(t *testing.T) {
	path := progressPath(t)
	trk := New(path)
	trk.AddFlow("main", 1, "", "")
	trk.Clear()
	assert.Empty(t, trk.FlowNames())
	doc := readProgress(t, path)
	assert.Empty(t, doc["flows"])
}
