package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrHandlerNotFound is returned by Handlers.Invoke when no handler is
// registered under the requested name.
var ErrHandlerNotFound = errors.New("error handler not found")

// HandlerContext is the context map handed to every error handler. It always
// carries the flow name, device identity, the step's parameters, the retry
// attempts made so far, and the name of any optional flow already attempted.
type HandlerContext struct {
	FlowName             string
	DeviceKind           DeviceKind
	DeviceID             string
	Operation            string
	Parameters           map[string]any
	RetryAttempts        int
	OptionalFlowExecuted string
}

// HandlerFunc is the signature every error handler must satisfy. Handlers
// are diagnostic only: a true return means "continue as if the step
// succeeded" (rare), false means the flow fails here. Recovery is the job of
// optional flows, not handlers.
type HandlerFunc func(step *Step, err error, hctx HandlerContext) bool

// Handlers maps handler names to their implementations. Registration is
// expected at program initialization but the map is mutex-guarded because
// the loader registers built-ins as a side effect of loading, which may race
// with parallel document loads.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *log.Logger
}

// NewHandlers creates a registry pre-populated with the built-in diagnostic
// handlers.
func NewHandlers() *Handlers {
	h := &Handlers{
		handlers: make(map[string]HandlerFunc),
		logger:   log.WithPrefix("handlers"),
	}
	for name, fn := range builtinHandlers() {
		h.handlers[name] = fn
	}
	return h
}

// Register adds fn under name. Empty names and nil functions are programming
// errors and are rejected immediately.
func (h *Handlers) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return errors.New("handlers: name cannot be empty")
	}
	if fn == nil {
		return errors.New("handlers: handler function cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
	return nil
}

// Has reports whether a handler is registered under name.
func (h *Handlers) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.handlers[name]
	return ok
}

// Names returns all registered handler names in alphabetical order.
func (h *Handlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureBuiltin registers the built-in implementation advertised under name,
// if one exists and the name is still free. It reports whether name resolves
// to a handler afterwards. The loader calls this for every handler named in
// a document so built-ins work without explicit registration.
func (h *Handlers) EnsureBuiltin(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[name]; ok {
		return true
	}
	fn, ok := builtinHandlers()[name]
	if !ok {
		return false
	}
	h.handlers[name] = fn
	return true
}

// Invoke runs the named handler. A panic inside the handler is recovered,
// logged, and treated as if the handler returned false. A missing handler
// returns ErrHandlerNotFound.
func (h *Handlers) Invoke(name string, step *Step, stepErr error, hctx HandlerContext) (result bool, err error) {
	h.mu.RLock()
	fn, ok := h.handlers[name]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("handler %q: %w", name, ErrHandlerNotFound)
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("error handler panicked", "handler", name, "panic", r)
			result = false
			err = nil
		}
	}()
	return fn(step, stepErr, hctx), nil
}

// Built-in handler names advertised to the loader. All built-ins are
// diagnostic: they log what they know and return false.
const (
	// HandlerDefault logs the failing step and device.
	HandlerDefault = "default_error_handler"

	// HandlerCollectDeviceLogs records a diagnostic snapshot request for the
	// failing device. The actual log retrieval is a device-provider concern;
	// the handler records intent and context so the operator trace names the
	// device and operation involved.
	HandlerCollectDeviceLogs = "collect_device_logs"

	// HandlerCollectPowerLogs is the power-shelf variant of log collection.
	HandlerCollectPowerLogs = "collect_power_logs"
)

func builtinHandlers() map[string]HandlerFunc {
	logger := log.WithPrefix("handlers")
	return map[string]HandlerFunc{
		HandlerDefault: func(step *Step, err error, hctx HandlerContext) bool {
			if step == nil {
				logger.Error("flow failed", "flow", hctx.FlowName, "error", err)
				return false
			}
			logger.Error("step failed", "device", step.DeviceID, "step", step.Label(), "error", err)
			return false
		},
		HandlerCollectDeviceLogs: func(step *Step, err error, hctx HandlerContext) bool {
			logger.Info("collecting device logs after failure",
				"flow", hctx.FlowName,
				"device_kind", hctx.DeviceKind,
				"device", hctx.DeviceID,
				"operation", hctx.Operation,
				"retry_attempts", hctx.RetryAttempts,
				"optional_flow", hctx.OptionalFlowExecuted,
			)
			return false
		},
		HandlerCollectPowerLogs: func(step *Step, err error, hctx HandlerContext) bool {
			logger.Info("collecting power-shelf logs after failure",
				"flow", hctx.FlowName,
				"device", hctx.DeviceID,
				"operation", hctx.Operation,
			)
			return false
		},
	}
}
