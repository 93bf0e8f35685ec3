package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/trayworks/trayflow/internal/tracker"
)

// defaultMaxIterations bounds the number of element visits inside one flow
// execution. The loop-prevention flag already bounds reachable states; this
// is a defensive backstop far above any legitimate topology.
const defaultMaxIterations = 10000

// Dispatcher routes an operation to the provider of the named device. The
// engine knows nothing about what is behind it; exceptions propagate
// unchanged to the step executor, which records them as failed attempts.
type Dispatcher interface {
	Invoke(ctx context.Context, kind DeviceKind, id, operation string, params map[string]any) (bool, error)
}

// Engine drives a loaded workflow document to completion: sequential step
// walks with jump resolution, optional-flow recovery, parallel groups and
// parallel flows, error-handler invocation, and progress tracking.
type Engine struct {
	doc        *Document
	dispatcher Dispatcher
	handlers   *Handlers
	progress   *tracker.Tracker
	events     *Bus
	logger     *log.Logger

	maxIterations int
	flowWorkers   int // ceiling for concurrent flows; 0 = one worker per flow

	// sleep is swappable so tests can run wait-heavy policies instantly.
	sleep func(ctx context.Context, d time.Duration)
}

// Option configures the Engine.
type Option func(*Engine)

// WithDispatcher sets the operation dispatcher. Required for any workflow
// that dispatches device operations.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithHandlers attaches the error-handler registry. When nil a registry
// holding only the built-ins is used.
func WithHandlers(h *Handlers) Option {
	return func(e *Engine) { e.handlers = h }
}

// WithTracker attaches the progress tracker. When nil a tracker without a
// progress file is created, so execution records stay in memory only.
func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) { e.progress = t }
}

// WithEvents attaches the lifecycle event bus. When nil events are dropped.
func WithEvents(b *Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithLogger attaches a charmbracelet/log Logger. When nil the engine
// operates silently.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxIterations overrides the per-flow element-visit backstop.
func WithMaxIterations(n int) Option {
	return func(e *Engine) { e.maxIterations = n }
}

// WithFlowWorkers caps how many flows run concurrently during multi-flow
// fan-out. Zero means one worker per flow.
func WithFlowWorkers(n int) Option {
	return func(e *Engine) { e.flowWorkers = n }
}

// NewEngine creates an engine for doc with the given options.
func NewEngine(doc *Document, opts ...Option) *Engine {
	e := &Engine{
		doc:           doc,
		maxIterations: defaultMaxIterations,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handlers == nil {
		e.handlers = NewHandlers()
	}
	if e.progress == nil {
		e.progress = tracker.New("")
	}
	return e
}

// Run is the top-level driver: it walks the document's ordered elements,
// batching consecutive Flow elements into one parallel barrier and executing
// the step/group elements between them as sequential flow segments that
// share the main tag scope. Returns overall success.
func (e *Engine) Run(ctx context.Context) bool {
	if len(e.doc.Elements) == 0 {
		e.log("no steps to execute")
		return true
	}
	if e.doc.Checksum != 0 {
		e.progress.SetChecksum(e.doc.Checksum)
	}

	// The main tag scope spans the whole top-level element list; sequential
	// segments share it so jumps across the segment work unchanged.
	main := &Flow{Name: e.doc.Name, Elements: e.doc.Elements}
	rebuildTagIndex(main)

	i := 0
	segment := 0
	for i < len(e.doc.Elements) {
		if _, isFlow := e.doc.Elements[i].(*Flow); isFlow {
			// Batch consecutive independent flows into one barrier.
			var batch []*Flow
			for i < len(e.doc.Elements) {
				f, ok := e.doc.Elements[i].(*Flow)
				if !ok {
					break
				}
				batch = append(batch, f)
				i++
			}
			if !e.RunFlowsInParallel(ctx, batch) {
				return false
			}
			continue
		}

		// Sequential segment: everything until the next Flow element runs
		// inside the main scope.
		start := i
		for i < len(e.doc.Elements) {
			if _, isFlow := e.doc.Elements[i].(*Flow); isFlow {
				break
			}
			i++
		}
		segment++
		name := e.doc.Name
		if start > 0 || i < len(e.doc.Elements) {
			name = fmt.Sprintf("%s (part %d)", e.doc.Name, segment)
		}
		seg := &Flow{Name: name, Elements: e.doc.Elements[start:i], tagIndex: offsetTagIndex(main.tagIndex, start, i)}
		e.progress.AddFlow(seg.Name, seg.TotalSteps(), "", "")
		e.publish(Event{Type: EventFlowAdded, Flow: seg.Name, Message: "flow registered"})
		if !e.ExecuteFlow(ctx, seg, false) {
			return false
		}
	}
	return true
}

// RunFlowsInParallel starts every flow concurrently, bounded by the
// configured worker ceiling (default: one per flow), waits for all, and
// reports aggregate success. A panic inside a flow is recovered and recorded
// on that flow via SetFlowError.
func (e *Engine) RunFlowsInParallel(ctx context.Context, flows []*Flow) bool {
	if len(flows) == 0 {
		return true
	}
	e.log("executing independent flows in parallel", "count", len(flows))

	for _, f := range flows {
		rebuildTagIndex(f)
		e.progress.AddFlow(f.Label(), f.TotalSteps(), "", "")
		e.publish(Event{Type: EventFlowAdded, Flow: f.Label(), Message: "flow registered"})
	}

	limit := len(flows)
	if e.flowWorkers > 0 && e.flowWorkers < limit {
		limit = e.flowWorkers
	}

	results := make([]bool, len(flows))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, f := range flows {
		g.Go(func() error {
			results[i] = e.executeFlowRecovering(ctx, f)
			return nil
		})
	}
	g.Wait()

	success := true
	for i, ok := range results {
		if !ok {
			success = false
			e.log("flow failed", "flow", flows[i].Label())
		}
	}
	return success
}

// executeFlowRecovering wraps ExecuteFlow so a panicking flow task is
// captured on its FlowInfo rather than crashing the process.
func (e *Engine) executeFlowRecovering(ctx context.Context, flow *Flow) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("flow panicked: %v", r)
			e.log("flow panicked", "flow", flow.Label(), "panic", r)
			e.progress.SetFlowError(flow.Label(), msg)
			e.publish(Event{Type: EventFlowFailed, Flow: flow.Label(), Message: msg, Error: msg})
			ok = false
		}
	}()
	return e.ExecuteFlow(ctx, flow, false)
}

// ExecuteFlow drives one flow to a terminal outcome and returns overall
// success. isOptional marks recovery invocations: their failure handling is
// the caller's job and the document-level default error handler does not
// fire for them.
func (e *Engine) ExecuteFlow(ctx context.Context, flow *Flow, isOptional bool) bool {
	name := flow.Label()
	e.log("executing flow", "flow", name)
	rebuildTagIndex(flow)

	if e.progress.FlowStatus(name) == "" {
		e.progress.AddFlow(name, flow.TotalSteps(), "", "")
	}
	e.progress.StartFlowTiming(name)
	e.progress.SetFlowRunning(name)
	e.publish(Event{Type: EventFlowRunning, Flow: name, Message: "flow running"})
	defer e.progress.CompleteFlowTiming(name)

	success := e.executeFlowSteps(ctx, flow, isOptional)

	if success {
		e.progress.SetFlowCompleted(name)
		e.publish(Event{Type: EventFlowCompleted, Flow: name, Message: "flow completed", Success: true})
		return true
	}

	reason := e.progress.LastFailureMessage(name)
	e.progress.SetFlowFailed(name, reason)
	e.publish(Event{Type: EventFlowFailed, Flow: name, Message: reason, Error: reason})
	if !isOptional {
		e.runDefaultHandler(name, reason)
	}
	return false
}

// runDefaultHandler invokes the document-level default error handler after a
// flow failure, for log collection only. Its return value never changes the
// flow's outcome.
func (e *Engine) runDefaultHandler(flowName, reason string) {
	name := e.doc.Settings.DefaultErrorHandler
	if name == "" {
		return
	}
	hctx := HandlerContext{FlowName: flowName}
	if _, err := e.handlers.Invoke(name, nil, fmt.Errorf("flow %s failed: %s", flowName, reason), hctx); err != nil {
		e.log("default error handler missing", "handler", name, "error", err)
	}
}

// executeFlowSteps walks the flow's elements from index zero until the
// index moves past the last element (success) or a fail condition fires.
func (e *Engine) executeFlowSteps(ctx context.Context, flow *Flow, isOptional bool) bool {
	name := flow.Label()
	idx := 0

	for iter := 0; idx < len(flow.Elements); iter++ {
		if iter >= e.maxIterations {
			e.log("flow exceeded iteration backstop", "flow", name, "iterations", e.maxIterations)
			return false
		}
		if ctx.Err() != nil {
			e.log("context cancelled", "flow", name, "error", ctx.Err())
			return false
		}

		switch el := flow.Elements[idx].(type) {
		case *ParallelGroup:
			if !e.executeGroup(ctx, flow, el) {
				e.log("parallel steps failed", "flow", name, "group", el.Label())
				return false
			}
			idx++

		case *Flow:
			// A nested flow is a sequential sub-sequence with its own tag
			// scope; its failure fails the enclosing flow.
			e.progress.AddFlow(el.Label(), el.TotalSteps(), "", "")
			e.publish(Event{Type: EventFlowAdded, Flow: el.Label(), Message: "flow registered"})
			if !e.ExecuteFlow(ctx, el, isOptional) {
				return false
			}
			idx++

		case *Step:
			next, ok := e.executeStepAt(ctx, flow, el, idx)
			if !ok {
				return false
			}
			idx = next
		}
	}
	return true
}

// stepVerdict is the outcome of one step's full lifecycle including failure
// handling: either the flow fails, or execution continues at next.
type stepVerdict struct {
	next int
	fail bool
}

// executeStepAt runs the step at idx through attempts, jump resolution, and
// the failure ladder. It returns the next element index and whether the flow
// survives.
func (e *Engine) executeStepAt(ctx context.Context, flow *Flow, step *Step, idx int) (int, bool) {
	flowName := flow.Label()
	execID := e.startStep(flow, step, idx)

	if e.runAttempts(ctx, flowName, step, execID, 0) {
		v := e.advanceOnSuccess(flow, step, execID, idx)
		e.completeStep(flowName, step, execID, true, "")
		if v.fail {
			return 0, false
		}
		return v.next, true
	}

	v := e.handleStepFailure(ctx, flow, step, execID, idx)
	if v.fail {
		return 0, false
	}
	return v.next, true
}

// advanceOnSuccess applies the success-path jump logic: no jump advances by
// one; a jump resolves via the tag index, rejects self-jumps, resets
// loop-prevention flags below the target, and lands on the target.
func (e *Engine) advanceOnSuccess(flow *Flow, step *Step, execID string, idx int) stepVerdict {
	if step.JumpOnSuccess == "" {
		return stepVerdict{next: idx + 1}
	}
	target, ok := flow.TagIndex(step.JumpOnSuccess)
	if !ok {
		// Cannot happen after validation; defensive.
		e.log("jump target not found", "flow", flow.Label(), "tag", step.JumpOnSuccess)
		return stepVerdict{fail: true}
	}
	if target == idx {
		e.log("self-jump detected", "flow", flow.Label(), "step", step.Label(), "index", idx)
		return stepVerdict{fail: true}
	}
	e.log("jumping on success", "flow", flow.Label(), "tag", step.JumpOnSuccess)
	e.progress.AddStepJump(execID, "success", step.JumpOnSuccess)
	flow.resetJumpFlags(target)
	return stepVerdict{next: target}
}

// handleStepFailure evaluates the failure ladder in fixed order: optional
// flow (its failure is fatal for the enclosing flow; its success earns the
// step a fresh retry budget), then a one-shot failure jump, then the
// diagnostic error handler. The step's execution record is completed here on
// every path.
func (e *Engine) handleStepFailure(ctx context.Context, flow *Flow, step *Step, execID string, idx int) stepVerdict {
	flowName := flow.Label()
	finalSuccess := false
	optionalExecuted := ""

	defer func() {
		errMsg := ""
		if !finalSuccess {
			errMsg = "Step failed after retries"
			if optionalExecuted != "" {
				errMsg += " and optional flow"
			}
		}
		e.completeStep(flowName, step, execID, finalSuccess, errMsg)
	}()

	// (a) Optional recovery flow.
	if step.ExecuteOptionalFlow != "" {
		optFlow, ok := e.doc.OptionalFlow(step.ExecuteOptionalFlow)
		if !ok {
			e.log("optional flow not found", "flow", flowName, "optional", step.ExecuteOptionalFlow)
		} else {
			optionalExecuted = step.ExecuteOptionalFlow
			e.progress.AddOptionalFlowTrigger(execID, step.ExecuteOptionalFlow, false)
			e.progress.AddFlow(step.ExecuteOptionalFlow, optFlow.TotalSteps(), flowName, step.Label())
			e.publish(Event{Type: EventFlowAdded, Flow: step.ExecuteOptionalFlow, Message: "optional flow triggered"})

			optOK := e.ExecuteFlow(ctx, optFlow, true)
			e.progress.AddOptionalFlowTime(flowName, step.ExecuteOptionalFlow)
			e.progress.AddOptionalFlowTrigger(execID, step.ExecuteOptionalFlow, optOK)

			if !optOK {
				// Optional-flow failure is fatal for the enclosing flow; no
				// jump or handler gets a say.
				e.log("optional flow failed", "flow", flowName, "optional", step.ExecuteOptionalFlow)
				return stepVerdict{fail: true}
			}

			e.log("optional flow succeeded, retrying step with fresh budget",
				"flow", flowName, "step", step.Label())
			if e.runAttempts(ctx, flowName, step, execID, step.RetryCount+1) {
				finalSuccess = true
				v := e.advanceOnSuccess(flow, step, execID, idx)
				return v
			}
			e.log("step failed even after optional flow and fresh retries",
				"flow", flowName, "step", step.Label())
		}
	}

	// (b) One-shot failure jump.
	if step.JumpOnFailure != "" && !step.hasJumpedOnFailure {
		target, ok := flow.TagIndex(step.JumpOnFailure)
		if !ok {
			e.log("jump target not found", "flow", flowName, "tag", step.JumpOnFailure)
			return stepVerdict{fail: true}
		}
		step.hasJumpedOnFailure = true
		e.log("jumping on failure", "flow", flowName, "tag", step.JumpOnFailure)
		e.progress.AddStepJump(execID, "failure", step.JumpOnFailure)
		flow.resetJumpFlags(target)
		return stepVerdict{next: target}
	}

	// (c) Diagnostic error handler, advisory only.
	if step.ExecuteOnError != "" {
		cont := e.runStepHandler(flowName, step, execID, optionalExecuted)
		if cont {
			e.log("error handler indicates flow can continue", "flow", flowName, "step", step.Label())
			return stepVerdict{next: idx + 1}
		}
		return stepVerdict{fail: true}
	}

	return stepVerdict{fail: true}
}

// runStepHandler invokes the step's error handler with full context and
// records the invocation on the execution record.
func (e *Engine) runStepHandler(flowName string, step *Step, execID, optionalExecuted string) bool {
	stepErr := step.lastErr
	if stepErr == nil {
		if optionalExecuted != "" {
			stepErr = fmt.Errorf("step %s failed after %d retries and optional flow %s",
				step.Label(), step.RetryCount, optionalExecuted)
		} else {
			stepErr = fmt.Errorf("step %s failed after %d retries", step.Label(), step.RetryCount)
		}
	}
	// Matches the execution record: a post-optional pass counts on from
	// RetryCount+1 failed attempts.
	attempts := step.RetryCount
	if optionalExecuted != "" {
		attempts = 2*step.RetryCount + 1
	}
	hctx := HandlerContext{
		FlowName:             flowName,
		DeviceKind:           step.DeviceKind,
		DeviceID:             step.DeviceID,
		Operation:            step.Operation,
		Parameters:           step.Parameters,
		RetryAttempts:        attempts,
		OptionalFlowExecuted: optionalExecuted,
	}
	e.log("executing error handler", "handler", step.ExecuteOnError, "step", step.Label())
	result, err := e.handlers.Invoke(step.ExecuteOnError, step, stepErr, hctx)
	if err != nil {
		e.log("error handler not found", "handler", step.ExecuteOnError, "error", err)
		result = false
	}
	e.progress.AddErrorHandlerExecution(execID, step.ExecuteOnError, result)
	return result
}

// executeGroup submits every member as an independent step execution bounded
// by the group's worker ceiling and waits for all. Success requires every
// member to succeed; members do not participate in jump or optional-flow
// logic. On failure the flow fails immediately with no jump resolution.
func (e *Engine) executeGroup(ctx context.Context, flow *Flow, group *ParallelGroup) bool {
	flowName := flow.Label()
	e.log("executing parallel steps", "flow", flowName, "group", group.Label(), "members", len(group.Steps))

	limit := group.MaxWorkers
	if limit <= 0 {
		limit = len(group.Steps)
	}

	results := make([]bool, len(group.Steps))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, member := range group.Steps {
		g.Go(func() error {
			execID := e.startStep(flow, member, i)
			ok := e.runAttempts(ctx, flowName, member, execID, 0)
			errMsg := ""
			if !ok {
				errMsg = "Step failed after retries"
			}
			e.completeStep(flowName, member, execID, ok, errMsg)
			results[i] = ok
			return nil
		})
	}
	g.Wait()

	success := true
	for i, ok := range results {
		if !ok {
			success = false
			e.log("parallel member failed", "flow", flowName, "step", group.Steps[i].Label())
		}
	}

	if group.WaitAfter > 0 {
		e.log("waiting after parallel steps", "duration", group.WaitAfter)
		e.sleep(ctx, group.WaitAfter)
	}
	return success
}

// publish sends ev to the event bus when one is attached.
func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// log writes a structured log message when a logger is attached.
func (e *Engine) log(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Info(msg, kvs...)
	}
}

// rebuildTagIndex builds the flow's tag index when the flow was constructed
// programmatically (loader-built flows already carry one).
func rebuildTagIndex(f *Flow) {
	if f.tagIndex != nil {
		return
	}
	f.tagIndex = map[string]int{}
	for i, el := range f.Elements {
		if step, ok := el.(*Step); ok && step.Tag != "" {
			f.tagIndex[step.Tag] = i
		}
	}
}

// offsetTagIndex narrows the main scope's tag index to a segment [start, end)
// and rebases the targets onto segment-local indices.
func offsetTagIndex(index map[string]int, start, end int) map[string]int {
	out := map[string]int{}
	for tag, i := range index {
		if i >= start && i < end {
			out[tag] = i - start
		}
	}
	return out
}

// sleepCtx sleeps for d without blocking unrelated tasks, returning early on
// context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
