package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/trayworks/trayflow/internal/logging"
	"github.com/trayworks/trayflow/internal/tracker"
)

// startStep registers the active execution record for a step and publishes
// its start. The record snapshots the step's loaded policy so later model
// mutation cannot change the trace.
func (e *Engine) startStep(flow *Flow, step *Step, idx int) string {
	flowName := flow.Label()
	e.log("executing step", "device", step.DeviceID, "step", step.Label(), "kind", step.DeviceKind)

	execID := e.progress.StartStepExecution(flowName, snapshotStep(step), idx)
	e.progress.UpdateFlowCurrentStep(flowName, step.Label(), idx+1)
	e.publish(Event{
		Type:      EventStepStarted,
		Flow:      flowName,
		Step:      step.Label(),
		StepIndex: idx,
		Message:   fmt.Sprintf("step %q started", step.Label()),
	})
	return execID
}

// runAttempts runs one retry pass for a step: up to RetryCount+1 attempts
// with the configured inter-retry wait, per-attempt timing, and ERROR-level
// message collection scoped to this step's context. baseAttempts carries the
// failed-attempt count from an earlier pass so a post-optional-flow retry
// accumulates into the same record.
//
// On success the post-step wait is honored before returning. The collected
// error messages are flushed into the execution record on every exit path.
func (e *Engine) runAttempts(ctx context.Context, flowName string, step *Step, execID string, baseAttempts int) bool {
	collector := logging.NewCollector()
	ctx = logging.ContextWithCollector(ctx, collector)
	defer func() {
		e.progress.AppendErrorMessages(execID, collector.Messages())
	}()

	for attempt := 0; attempt <= step.RetryCount; attempt++ {
		if attempt > 0 {
			e.log("retrying step", "device", step.DeviceID, "step", step.Label(),
				"attempt", attempt, "retries", step.RetryCount)
			e.progress.UpdateStepExecution(flowName, execID,
				fmt.Sprintf("retrying (attempt %d)", baseAttempts+attempt+1), nil)
			e.publish(Event{
				Type:    EventStepProgress,
				Flow:    flowName,
				Step:    step.Label(),
				Message: fmt.Sprintf("retrying (attempt %d)", baseAttempts+attempt+1),
			})
			if step.WaitBetweenRetries > 0 {
				e.sleep(ctx, step.WaitBetweenRetries)
			}
		}

		started := time.Now()
		ok, err := e.invoke(ctx, step)
		duration := time.Since(started).Seconds()

		if err != nil {
			step.lastErr = err
			logging.Error(ctx, e.logger, "step attempt raised an error",
				"device", step.DeviceID, "step", step.Label(), "error", err)
		}

		if ok {
			e.progress.AddStepRetry(execID, baseAttempts+attempt, duration)
			if step.WaitAfter > 0 {
				e.log("waiting after step", "step", step.Label(), "duration", step.WaitAfter)
				e.sleep(ctx, step.WaitAfter)
			}
			return true
		}
		e.progress.AddStepRetry(execID, baseAttempts+attempt, duration)
	}
	return false
}

// invoke dispatches one attempt. The sentinel fan-out operation is
// intercepted before device dispatch; everything else goes through the
// dispatcher. A step timeout is advisory: it bounds the context handed to
// the operation but the engine never interrupts an in-flight call.
func (e *Engine) invoke(ctx context.Context, step *Step) (bool, error) {
	if step.Operation == OpRunFlowsInParallel {
		flows, ok := step.Parameters["flows"].([]*Flow)
		if !ok {
			return false, fmt.Errorf("step %s: parameters.flows does not hold a flow list", step.Label())
		}
		return e.RunFlowsInParallel(ctx, flows), nil
	}

	if e.dispatcher == nil {
		return false, fmt.Errorf("step %s: no dispatcher configured", step.Label())
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	return e.dispatcher.Invoke(ctx, step.DeviceKind, step.DeviceID, step.Operation, step.Parameters)
}

// completeStep finalizes the execution record and publishes the terminal
// step event.
func (e *Engine) completeStep(flowName string, step *Step, execID string, result bool, errMsg string) {
	e.progress.CompleteStepExecution(execID, result, errMsg)
	e.publish(Event{
		Type:    EventStepCompleted,
		Flow:    flowName,
		Step:    step.Label(),
		Success: result,
		Message: fmt.Sprintf("step %q completed", step.Label()),
		Error:   errMsg,
	})
}

func snapshotStep(step *Step) tracker.StepSnapshot {
	return tracker.StepSnapshot{
		Name:                      step.Name,
		Operation:                 step.Operation,
		DeviceKind:                string(step.DeviceKind),
		DeviceID:                  step.DeviceID,
		Tag:                       step.Tag,
		RetryCount:                step.RetryCount,
		TimeoutSeconds:            step.Timeout.Seconds(),
		WaitAfterSeconds:          step.WaitAfter.Seconds(),
		WaitBetweenRetriesSeconds: step.WaitBetweenRetries.Seconds(),
		ExecuteOnError:            step.ExecuteOnError,
		ExecuteOptionalFlow:       step.ExecuteOptionalFlow,
		JumpOnSuccess:             step.JumpOnSuccess,
		JumpOnFailure:             step.JumpOnFailure,
		Parameters:                step.Parameters,
	}
}
