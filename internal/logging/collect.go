package logging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Collector accumulates the ERROR-level messages produced while one step
// executes. The step executor installs a fresh Collector in the context it
// hands to the dispatched operation and drains it when the step completes,
// so parallel sibling steps collect disjoint message sets even though they
// share the logger configuration.
//
// This is the Go rendering of a task-local logging handler: instead of a
// process-wide handler inspecting task identity, the collector travels with
// the step's context and Error routes records to it explicitly.
type Collector struct {
	mu   sync.Mutex
	msgs []string
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends a message to the collection. Safe for concurrent use.
func (c *Collector) Add(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

// Messages returns a copy of the collected messages in arrival order.
func (c *Collector) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of collected messages.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type collectorKey struct{}

// ContextWithCollector returns a child context carrying c. The step executor
// installs the collector at step start; every Error call below it in the
// call tree is captured until the step completes.
func ContextWithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// CollectorFromContext returns the collector installed in ctx, or nil.
func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

// Error logs msg with the key-value pairs at error level and, when ctx
// carries a collector, records the rendered message there as well. Operation
// implementations and the engine use this for every ERROR-level record that
// should appear in the step's execution trace.
func Error(ctx context.Context, logger *log.Logger, msg string, kvs ...any) {
	if logger != nil {
		logger.Error(msg, kvs...)
	}
	if c := CollectorFromContext(ctx); c != nil {
		c.Add(renderMessage(msg, kvs))
	}
}

// renderMessage flattens a message and its key-value pairs into the single
// line stored on the step execution record.
func renderMessage(msg string, kvs []any) string {
	if len(kvs) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	if len(kvs)%2 == 1 {
		fmt.Fprintf(&b, " %v", kvs[len(kvs)-1])
	}
	return b.String()
}
