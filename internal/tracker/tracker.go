package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/trayworks/trayflow/internal/logging"
)

// Tracker is the shared execution record for a run. One mutex protects the
// flow map, the active-execution map, and persistence; every public method
// takes it exactly once and internal helpers assume it is held.
//
// Flow-level mutations and step completion recompute the owning flow's
// derived statistics and then persist a consistent snapshot of the whole
// record to the progress file. Changes to a still-active step execution
// (start, status updates, retries, jumps, optional-flow triggers, handler
// runs, error messages) are held in memory only and are not written to the
// file until the step completes.
type Tracker struct {
	mu sync.Mutex

	path     string
	flows    map[string]*FlowInfo
	order    []string // flow names in registration order, for stable output
	active   map[string]*StepExecution
	checksum uint64

	logger *log.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a tracker persisting to path and writes the initial empty
// progress file. The parent directory is created when missing.
func New(path string) *Tracker {
	t := &Tracker{
		path:   path,
		flows:  map[string]*FlowInfo{},
		active: map[string]*StepExecution{},
		logger: logging.New("tracker"),
		now:    time.Now,
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.logger.Warn("creating progress directory", "error", err)
		}
	}
	t.mu.Lock()
	t.persistLocked()
	t.mu.Unlock()
	return t
}

// SetChecksum stamps the loaded document's checksum into the progress file
// root so a trace can be matched to the exact workflow input.
func (t *Tracker) SetChecksum(sum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checksum = sum
	t.persistLocked()
}

// AddFlow registers a flow for tracking. A non-empty parent marks the flow
// as an optional flow and links it (by name) under that parent; the link is
// established at creation, not at completion.
func (t *Tracker) AddFlow(name string, totalSteps int, parent, triggeredBy string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.flows[name]; !exists {
		t.order = append(t.order, name)
	}
	t.flows[name] = &FlowInfo{
		FlowName:        name,
		Status:          FlowPending,
		CurrentStep:     "Not Started",
		TotalSteps:      totalSteps,
		IsOptionalFlow:  parent != "",
		ParentFlowName:  parent,
		TriggeredByStep: triggeredBy,
	}
	t.persistLocked()
}

// SetFlowRunning moves a flow from Pending to Running. Any other current
// status is left untouched.
func (t *Tracker) SetFlowRunning(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok || flow.Status != FlowPending {
		return
	}
	flow.Status = FlowRunning
	flow.CurrentStep = "Starting"
	t.persistLocked()
}

// SetFlowCompleted marks a flow as completed, forcing the progress counters
// to their terminal values.
func (t *Tracker) SetFlowCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return
	}
	flow.Status = FlowCompleted
	flow.CurrentStep = "All Steps Done"
	flow.CompletedSteps = flow.TotalSteps
	flow.CurrentIndex = flow.TotalSteps
	t.persistLocked()
}

// SetFlowFailed marks a flow as failed. When the last executed step failed,
// its error messages are copied to the flow and the flow's current step
// becomes "Step '<name>' failed: <last message>" — the stable surface
// downstream tooling parses. Otherwise reason is used verbatim.
func (t *Tracker) SetFlowFailed(name, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return
	}
	flow.Status = FlowFailed

	message := reason
	if n := len(flow.StepsExecuted); n > 0 {
		last := flow.StepsExecuted[n-1]
		if !last.FinalResult {
			if len(last.ErrorMessages) > 0 {
				message = fmt.Sprintf("Step '%s' failed: %s", last.StepName, last.ErrorMessages[len(last.ErrorMessages)-1])
				flow.ErrorMessages = append([]string(nil), last.ErrorMessages...)
			} else {
				message = fmt.Sprintf("Step '%s' failed", last.StepName)
			}
		}
	}
	flow.CurrentStep = message
	t.persistLocked()
}

// SetFlowError marks a flow as having died on an unexpected error (as
// opposed to an ordinary step failure).
func (t *Tracker) SetFlowError(name, errMessage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return
	}
	flow.Status = FlowError
	flow.CurrentStep = errMessage
	flow.CompletedSteps = 0
	t.persistLocked()
}

// UpdateFlowCurrentStep records the step a flow is currently on. stepNumber
// is the step's 1-based position in its flow.
func (t *Tracker) UpdateFlowCurrentStep(name, stepName string, stepNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return
	}
	flow.CurrentStep = stepName
	flow.CompletedSteps = stepNumber
	flow.CurrentIndex = stepNumber
	t.persistLocked()
}

// StartStepExecution creates the active execution record for one step and
// returns its execution ID. The record joins the owning flow's executed list
// only at completion.
func (t *Tracker) StartStepExecution(flowName string, snap StepSnapshot, stepIndex int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := snap.Name
	if name == "" {
		name = snap.Operation
	}
	exec := &StepExecution{
		StepName:                  name,
		StepOperation:             snap.Operation,
		DeviceKind:                snap.DeviceKind,
		DeviceID:                  snap.DeviceID,
		StepIndex:                 stepIndex,
		FlowName:                  flowName,
		ExecutionID:               uuid.NewString(),
		RetryCount:                snap.RetryCount,
		TimeoutSeconds:            snap.TimeoutSeconds,
		WaitAfterSeconds:          snap.WaitAfterSeconds,
		WaitBetweenRetriesSeconds: snap.WaitBetweenRetriesSeconds,
		ExecuteOnError:            snap.ExecuteOnError,
		ExecuteOptionalFlow:       snap.ExecuteOptionalFlow,
		JumpOnSuccess:             snap.JumpOnSuccess,
		JumpOnFailure:             snap.JumpOnFailure,
		Tag:                       snap.Tag,
		StartedAt:                 t.unixNow(),
		Status:                    StepRunning,
		RetryDurations:            []float64{},
		OptionalFlowsTriggered:    []string{},
		OptionalFlowResults:       map[string]bool{},
		ErrorMessages:             []string{},
		Parameters:                snap.Parameters,
	}
	t.active[exec.ExecutionID] = exec
	return exec.ExecutionID
}

// UpdateStepExecution sets an intermediate status (e.g. "retrying (attempt
// 2)") and merges context info into the active execution.
func (t *Tracker) UpdateStepExecution(flowName, executionID, status string, context map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	exec.Status = status
	if len(context) > 0 {
		if exec.ContextInfo == nil {
			exec.ContextInfo = map[string]any{}
		}
		for k, v := range context {
			exec.ContextInfo[k] = v
		}
	}
}

// AddStepRetry records one attempted invocation: attempt is the number of
// failed attempts so far and duration its wall time in seconds.
func (t *Tracker) AddStepRetry(executionID string, attempt int, duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	exec.RetryAttempts = attempt
	exec.RetryDurations = append(exec.RetryDurations, duration)
}

// AddStepJump records that the active execution triggered a jump.
func (t *Tracker) AddStepJump(executionID, jumpType, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	exec.JumpTaken = jumpType
	exec.JumpTarget = target
	exec.Status = StepJumped
}

// AddOptionalFlowTrigger records that the active execution triggered an
// optional flow and its (possibly updated) result.
func (t *Tracker) AddOptionalFlowTrigger(executionID, optionalFlow string, result bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	if _, seen := exec.OptionalFlowResults[optionalFlow]; !seen {
		exec.OptionalFlowsTriggered = append(exec.OptionalFlowsTriggered, optionalFlow)
	}
	exec.OptionalFlowResults[optionalFlow] = result
}

// AddErrorHandlerExecution records that an error handler ran for the active
// execution.
func (t *Tracker) AddErrorHandlerExecution(executionID, handlerName string, result bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	exec.ErrorHandlerExecuted = handlerName
	r := result
	exec.ErrorHandlerResult = &r
}

// AppendErrorMessages flushes collected ERROR-level messages into the active
// execution's record.
func (t *Tracker) AppendErrorMessages(executionID string, messages []string) {
	if len(messages) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	exec.ErrorMessages = append(exec.ErrorMessages, messages...)
}

// CompleteStepExecution finalizes the active execution, appends it to its
// flow's executed list exactly once, recomputes the flow's statistics, and
// persists. An unknown executionID (already completed) is a no-op.
func (t *Tracker) CompleteStepExecution(executionID string, result bool, errorMessage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[executionID]
	if !ok {
		return
	}
	delete(t.active, executionID)

	exec.CompletedAt = t.unixNow()
	exec.Duration = exec.CompletedAt - exec.StartedAt
	exec.FinalResult = result
	switch {
	case exec.JumpTaken != "":
		exec.Status = StepJumped
	case result:
		exec.Status = StepCompleted
	default:
		exec.Status = StepFailed
	}
	if errorMessage != "" && !result {
		exec.ErrorMessages = append(exec.ErrorMessages, errorMessage)
	}

	if flow, ok := t.flows[exec.FlowName]; ok {
		flow.StepsExecuted = append(flow.StepsExecuted, exec)
		flow.recalculate()
	}
	t.persistLocked()
}

// StartFlowTiming marks the start of a flow's wall clock.
func (t *Tracker) StartFlowTiming(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return
	}
	flow.StartedAt = t.unixNow()
	t.persistLocked()
}

// CompleteFlowTiming closes a flow's wall clock and returns its total
// duration in seconds. Non-optional testtime is clamped at zero.
func (t *Tracker) CompleteFlowTiming(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok || flow.StartedAt == 0 {
		return 0
	}
	flow.CompletedAt = t.unixNow()
	flow.TotalTesttime = flow.CompletedAt - flow.StartedAt
	flow.TotalNonOptionalTesttime = flow.TotalTesttime - flow.TotalOptionalTesttime
	if flow.TotalNonOptionalTesttime < 0 {
		flow.TotalNonOptionalTesttime = 0
	}
	t.persistLocked()
	return flow.TotalTesttime
}

// AddOptionalFlowTime adds the child optional flow's recorded wall time to
// its parent's optional-flow total. Call after the child's timing completes.
func (t *Tracker) AddOptionalFlowTime(parentName, childName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.flows[parentName]
	if !ok {
		return
	}
	child, ok := t.flows[childName]
	if !ok {
		return
	}
	parent.TotalOptionalTesttime += child.TotalTesttime
	t.persistLocked()
}

// LastFailureMessage returns the user-visible failure string of a flow's most
// recent failed step.
func (t *Tracker) LastFailureMessage(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok || len(flow.StepsExecuted) == 0 {
		return "Flow failed due to step failure"
	}
	last := flow.StepsExecuted[len(flow.StepsExecuted)-1]
	if last.FinalResult {
		return "Flow failed due to step failure"
	}
	if len(last.ErrorMessages) > 0 {
		return fmt.Sprintf("Step '%s' failed: %s", last.StepName, last.ErrorMessages[len(last.ErrorMessages)-1])
	}
	return fmt.Sprintf("Step '%s' failed", last.StepName)
}

// FlowStatus returns the status string of a flow, or "" when unknown.
func (t *Tracker) FlowStatus(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flow, ok := t.flows[name]; ok {
		return flow.Status
	}
	return ""
}

// Flow returns a copy of the named FlowInfo for inspection. The steps slice
// shares the underlying records; callers must treat them as read-only.
func (t *Tracker) Flow(name string) (FlowInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[name]
	if !ok {
		return FlowInfo{}, false
	}
	return *flow, true
}

// FlowNames returns the tracked flow names in registration order.
func (t *Tracker) FlowNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Clear drops all flow data and persists the empty state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows = map[string]*FlowInfo{}
	t.order = nil
	t.active = map[string]*StepExecution{}
	t.persistLocked()
}

func (t *Tracker) unixNow() float64 {
	return float64(t.now().UnixNano()) / float64(time.Second)
}
