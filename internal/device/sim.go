package device

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/trayworks/trayflow/internal/logging"
	"github.com/trayworks/trayflow/internal/workflow"
)

// SimProvider is a deterministic in-process device. It exposes the common
// bring-up operations for every device kind so workflows can be exercised
// without hardware: each operation logs, optionally sleeps, and succeeds —
// unless the step's parameters script a failure.
//
// Recognized parameters on any operation:
//
//	fail_times: N  — fail the first N invocations of this operation on this
//	               device, then succeed (drives retry and recovery paths)
//	fail: true     — fail every invocation
//	delay_ms: N    — sleep N milliseconds per invocation
type SimProvider struct {
	kind   workflow.DeviceKind
	id     string
	logger *log.Logger

	mu    sync.Mutex
	calls map[string]int
}

// NewSimFactory returns a Factory producing SimProviders. Register it for
// every device kind to run workflows fully simulated.
func NewSimFactory() Factory {
	return func(kind workflow.DeviceKind, id string) (Provider, error) {
		return &SimProvider{
			kind:   kind,
			id:     id,
			logger: logging.New("sim"),
			calls:  map[string]int{},
		}, nil
	}
}

// simOperations is the closed set of operations the simulator understands.
var simOperations = map[string]struct{}{
	"power_on":        {},
	"power_off":       {},
	"reboot":          {},
	"check_health":    {},
	"update_firmware": {},
	"configure":       {},
	"wait":            {},
}

// Operation implements Provider.
func (p *SimProvider) Operation(name string) (OpFunc, bool) {
	if _, ok := simOperations[name]; !ok {
		return nil, false
	}
	return func(ctx context.Context, params map[string]any) (bool, error) {
		return p.run(ctx, name, params)
	}, true
}

// Close implements Provider. The simulator holds no connections.
func (p *SimProvider) Close() error { return nil }

func (p *SimProvider) run(ctx context.Context, name string, params map[string]any) (bool, error) {
	p.mu.Lock()
	p.calls[name]++
	call := p.calls[name]
	p.mu.Unlock()

	if delay := intParam(params, "delay_ms"); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if boolParam(params, "fail") {
		logging.Error(ctx, p.logger, "simulated operation failed",
			"device", p.id, "operation", name)
		return false, nil
	}
	if failTimes := intParam(params, "fail_times"); call <= failTimes {
		logging.Error(ctx, p.logger, "simulated operation failed",
			"device", p.id, "operation", name, "attempt", call, "fail_times", failTimes)
		return false, nil
	}

	p.logger.Debug("simulated operation succeeded", "device", p.id, "operation", name, "call", call)
	return true, nil
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}
