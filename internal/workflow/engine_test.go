package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trayworks/trayflow/internal/tracker"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// scriptedDispatcher resolves operations against per-operation result
// scripts. Operations named "pass" and "fail" have fixed results; "raise"
// returns an error. Anything else consumes its script queue and succeeds
// once the queue is empty.
type scriptedDispatcher struct {
	mu     sync.Mutex
	script map[string][]bool
	calls  []string
}

func newScripted() *scriptedDispatcher {
	return &scriptedDispatcher{script: map[string][]bool{}}
}

func (d *scriptedDispatcher) scriptOp(op string, results ...bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[op] = results
}

func (d *scriptedDispatcher) Invoke(_ context.Context, _ DeviceKind, id, op string, _ map[string]any) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, id+"/"+op)

	if q, ok := d.script[op]; ok && len(q) > 0 {
		result := q[0]
		d.script[op] = q[1:]
		return result, nil
	}
	switch op {
	case "pass":
		return true, nil
	case "fail":
		return false, nil
	case "raise":
		return false, errors.New("device exploded")
	}
	return true, nil
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *scriptedDispatcher) callsCopy() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// newTestEngine parses yaml and builds an engine backed by an in-memory
// tracker and the given dispatcher.
func newTestEngine(t *testing.T, yaml string, disp Dispatcher) (*Engine, *tracker.Tracker) {
	t.Helper()
	handlers := NewHandlers()
	doc, err := NewLoader(handlers).Parse([]byte(yaml), "wf")
	require.NoError(t, err)
	trk := tracker.New("")
	engine := NewEngine(doc,
		WithDispatcher(disp),
		WithHandlers(handlers),
		WithTracker(trk),
	)
	return engine, trk
}

func executedNames(flow tracker.FlowInfo) []string {
	names := make([]string, 0, len(flow.StepsExecuted))
	for _, s := range flow.StepsExecuted {
		names = append(names, s.StepName)
	}
	return names
}

// ---------------------------------------------------------------------------
// Scenario tests
// ---------------------------------------------------------------------------

func TestRun_PlainSuccess(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
  - name: B
    device_type: compute
    device_id: n1
    operation: pass
`, disp)

	require.True(t, engine.Run(context.Background()))

	flow, ok := trk.Flow("wf")
	require.True(t, ok)
	assert.Equal(t, tracker.FlowCompleted, flow.Status)
	assert.Equal(t, 2, flow.CompletedSteps)
	require.Len(t, flow.StepsExecuted, 2)
	for _, s := range flow.StepsExecuted {
		assert.True(t, s.FinalResult)
		assert.Zero(t, s.RetryAttempts)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	disp := newScripted()
	disp.scriptOp("toggle", false, false, true)
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: toggle
    retry_count: 2
`, disp)

	require.True(t, engine.Run(context.Background()))

	flow, _ := trk.Flow("wf")
	require.Len(t, flow.StepsExecuted, 1)
	exec := flow.StepsExecuted[0]
	assert.True(t, exec.FinalResult)
	assert.Equal(t, 2, exec.RetryAttempts)
	assert.Len(t, exec.RetryDurations, 3, "one duration per attempted invocation")
	assert.Equal(t, 2, flow.TotalRetryAttempts)
	assert.Equal(t, "A", flow.StepWithMostRetries)
}

func TestRun_JumpOnSuccess(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
    tag: a
    jump_on_success: z
  - name: B
    device_type: compute
    device_id: n1
    operation: pass
  - name: C
    device_type: compute
    device_id: n1
    operation: pass
    tag: z
`, disp)

	require.True(t, engine.Run(context.Background()))

	flow, _ := trk.Flow("wf")
	assert.Equal(t, []string{"A", "C"}, executedNames(flow), "B is skipped by the jump")
	assert.Equal(t, 1, flow.JumpOnSuccessExecuted)
	assert.Equal(t, 1, flow.TotalJumpsTaken)
	assert.Equal(t, tracker.StepJumped, flow.StepsExecuted[0].Status)
	assert.Equal(t, "z", flow.StepsExecuted[0].JumpTarget)
}

func TestRun_JumpOnFailure(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: fail
    retry_count: 0
    tag: a
    jump_on_failure: rec
  - name: B
    device_type: compute
    device_id: n1
    operation: pass
  - name: C
    device_type: compute
    device_id: n1
    operation: pass
    tag: rec
`, disp)

	require.True(t, engine.Run(context.Background()), "flow recovers via the failure jump")

	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowCompleted, flow.Status)
	assert.Equal(t, []string{"A", "C"}, executedNames(flow))
	assert.Equal(t, 1, flow.JumpOnFailureExecuted)
	assert.False(t, flow.StepsExecuted[0].FinalResult)
	assert.Equal(t, 1, flow.FailedStepsCount)
}

func TestRun_FailureJumpFiresOnlyOnce(t *testing.T) {
	// B fails and jumps back to A; A passes; B fails again but the one-shot
	// flag blocks a second failure jump, so the flow fails.
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
    tag: a
  - name: B
    device_type: compute
    device_id: n1
    operation: fail
    retry_count: 0
    jump_on_failure: a
`, disp)

	assert.False(t, engine.Run(context.Background()))

	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
	assert.Equal(t, 1, flow.JumpOnFailureExecuted)
}

func TestRun_OptionalFlowRecovers(t *testing.T) {
	disp := newScripted()
	// Two failing attempts (retry_count=1), then the post-optional fresh
	// budget succeeds on its first attempt.
	disp.scriptOp("flaky", false, false, true)
	engine, trk := newTestEngine(t, `
optional_flows:
  rec:
    - name: R
      device_type: compute
      device_id: n1
      operation: pass
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: flaky
    retry_count: 1
    execute_optional_flow: rec
`, disp)

	require.True(t, engine.Run(context.Background()))

	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowCompleted, flow.Status)
	require.Len(t, flow.StepsExecuted, 1)
	exec := flow.StepsExecuted[0]
	assert.True(t, exec.FinalResult)
	assert.Equal(t, []string{"rec"}, exec.OptionalFlowsTriggered)
	assert.Equal(t, map[string]bool{"rec": true}, exec.OptionalFlowResults)

	rec, ok := trk.Flow("rec")
	require.True(t, ok, "optional flow has its own FlowInfo")
	assert.True(t, rec.IsOptionalFlow)
	assert.Equal(t, "wf", rec.ParentFlowName)
	assert.Equal(t, "A", rec.TriggeredByStep)
	assert.Equal(t, tracker.FlowCompleted, rec.Status)
}

func TestRun_OptionalFlowFailureIsFatal(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
optional_flows:
  rec:
    - name: R
      device_type: compute
      device_id: n1
      operation: fail
      retry_count: 0
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: fail
    retry_count: 0
    execute_optional_flow: rec
    jump_on_failure: after
  - name: After
    device_type: compute
    device_id: n1
    operation: pass
    tag: after
`, disp)

	assert.False(t, engine.Run(context.Background()), "optional-flow failure is fatal; the failure jump never fires")

	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
	exec := flow.StepsExecuted[0]
	assert.Equal(t, map[string]bool{"rec": false}, exec.OptionalFlowResults)
	assert.Empty(t, exec.JumpTaken, "no jump after fatal optional-flow failure")

	rec, _ := trk.Flow("rec")
	assert.Equal(t, tracker.FlowFailed, rec.Status)
}

func TestRun_ParallelGroupAllOrNothing(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - parallel:
      - name: P1
        device_type: compute
        device_id: n1
        operation: pass
      - name: P2
        device_type: compute
        device_id: n2
        operation: fail
        retry_count: 0
`, disp)

	assert.False(t, engine.Run(context.Background()))

	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
	assert.Len(t, flow.StepsExecuted, 2, "both members leave execution records")
	assert.Equal(t, 1, flow.FailedStepsCount)
}

func TestRun_RaisedErrorCountsAsFailedAttempt(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: raise
    retry_count: 1
`, disp)

	assert.False(t, engine.Run(context.Background()))
	assert.Equal(t, 2, disp.callCount(), "retry budget applies to raised errors")

	flow, _ := trk.Flow("wf")
	exec := flow.StepsExecuted[0]
	assert.False(t, exec.FinalResult)
	assert.NotEmpty(t, exec.ErrorMessages, "raised errors are collected on the record")
}

func TestRun_ErrorHandlerMayContinueFlow(t *testing.T) {
	disp := newScripted()
	handlers := NewHandlers()
	var handlerCtx HandlerContext
	require.NoError(t, handlers.Register("keep_going", func(step *Step, err error, hctx HandlerContext) bool {
		handlerCtx = hctx
		return true
	}))
	doc, err := NewLoader(handlers).Parse([]byte(`
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: fail
    retry_count: 0
    execute_on_error: keep_going
  - name: B
    device_type: compute
    device_id: n1
    operation: pass
`), "wf")
	require.NoError(t, err)
	trk := tracker.New("")
	engine := NewEngine(doc, WithDispatcher(disp), WithHandlers(handlers), WithTracker(trk))

	require.True(t, engine.Run(context.Background()), "handler returning true continues the flow")

	flow, _ := trk.Flow("wf")
	assert.Equal(t, []string{"A", "B"}, executedNames(flow))
	exec := flow.StepsExecuted[0]
	assert.Equal(t, "keep_going", exec.ErrorHandlerExecuted)
	require.NotNil(t, exec.ErrorHandlerResult)
	assert.True(t, *exec.ErrorHandlerResult)
	assert.Equal(t, "wf", handlerCtx.FlowName)
	assert.Equal(t, "n1", handlerCtx.DeviceID)
	assert.Equal(t, "fail", handlerCtx.Operation)
}

func TestRun_ErrorHandlerFalseFailsFlow(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: fail
    retry_count: 0
    execute_on_error: default_error_handler
`, disp)

	assert.False(t, engine.Run(context.Background()))
	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
	assert.Contains(t, flow.CurrentStep, "Step 'A' failed")
}

func TestRun_IndependentFlowsRunInOneBarrier(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - independent_flows:
      - name: Left
        steps:
          - name: L1
            device_type: compute
            device_id: n1
            operation: pass
      - name: Right
        steps:
          - name: R1
            device_type: switch
            device_id: s1
            operation: pass
`, disp)

	require.True(t, engine.Run(context.Background()))

	left, ok := trk.Flow("Left")
	require.True(t, ok)
	right, ok := trk.Flow("Right")
	require.True(t, ok)
	assert.Equal(t, tracker.FlowCompleted, left.Status)
	assert.Equal(t, tracker.FlowCompleted, right.Status)
	assert.False(t, left.IsOptionalFlow)

	// Parallel isolation: execution ids are disjoint between the flows.
	ids := map[string]bool{}
	for _, s := range append(left.StepsExecuted, right.StepsExecuted...) {
		assert.False(t, ids[s.ExecutionID], "duplicate execution id across flows")
		ids[s.ExecutionID] = true
	}
}

func TestRun_SentinelFanOut(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: Fan Out
    device_type: compute
    device_id: n1
    operation: run_flows_in_parallel
    parameters:
      flows:
        - name: Inner A
          steps:
            - device_type: compute
              device_id: n1
              operation: pass
        - name: Inner B
          steps:
            - device_type: compute
              device_id: n2
              operation: pass
`, disp)

	require.True(t, engine.Run(context.Background()))

	a, ok := trk.Flow("Inner A")
	require.True(t, ok)
	assert.Equal(t, tracker.FlowCompleted, a.Status)
	b, ok := trk.Flow("Inner B")
	require.True(t, ok)
	assert.Equal(t, tracker.FlowCompleted, b.Status)
}

func TestRun_SentinelInnerFailureFailsStep(t *testing.T) {
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: Fan Out
    device_type: compute
    device_id: n1
    operation: run_flows_in_parallel
    retry_count: 0
    parameters:
      flows:
        - name: Inner
          steps:
            - device_type: compute
              device_id: n1
              operation: fail
              retry_count: 0
`, disp)

	assert.False(t, engine.Run(context.Background()))
	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
}

func TestRun_EmptyDocumentSucceeds(t *testing.T) {
	disp := newScripted()
	engine, _ := newTestEngine(t, "steps: []\n", disp)
	assert.True(t, engine.Run(context.Background()))
}

func TestRun_EventsPublished(t *testing.T) {
	disp := newScripted()
	handlers := NewHandlers()
	doc, err := NewLoader(handlers).Parse([]byte(`
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
`), "wf")
	require.NoError(t, err)

	bus := NewBus()
	var mu sync.Mutex
	var types []string
	bus.Subscribe(SubscriberFunc(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	}))

	engine := NewEngine(doc,
		WithDispatcher(disp),
		WithHandlers(handlers),
		WithTracker(tracker.New("")),
		WithEvents(bus),
	)
	require.True(t, engine.Run(context.Background()))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, ty := range types {
		seen[ty] = true
	}
	for _, want := range []string{EventFlowAdded, EventFlowRunning, EventStepStarted, EventStepCompleted, EventFlowCompleted} {
		assert.True(t, seen[want], "missing event type %s", want)
	}
}

func TestRun_SelfSuccessJumpFailsFlow(t *testing.T) {
	// jump_on_success to the step's own tag is the one forbidden runtime
	// jump; the loader cannot reject it because success jumps may legally
	// point backward.
	disp := newScripted()
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
    tag: me
    jump_on_success: me
`, disp)

	assert.False(t, engine.Run(context.Background()))
	flow, _ := trk.Flow("wf")
	assert.Equal(t, tracker.FlowFailed, flow.Status)
}

func TestRun_BackwardSuccessJumpTerminates(t *testing.T) {
	// A backward success jump is permitted; the target runs again and the
	// flow proceeds from there. The script makes the revisited step succeed
	// without jumping a second time... the jump is declared on C, so C
	// would re-trigger. Use a one-shot script on C to end the loop.
	disp := newScripted()
	disp.scriptOp("gate", true, false)
	engine, trk := newTestEngine(t, `
steps:
  - name: A
    device_type: compute
    device_id: n1
    operation: pass
    tag: top
  - name: C
    device_type: compute
    device_id: n1
    operation: gate
    retry_count: 0
    jump_on_success: top
`, disp)

	assert.False(t, engine.Run(context.Background()), "second pass of C fails with no handler")
	flow, _ := trk.Flow("wf")
	// Execution order: A, C (success, jump back), A, C (fail) -> flow fails.
	assert.Equal(t, []string{"A", "C", "A", "C"}, executedNames(flow))
}
