package workflow

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// EventType constants identify the lifecycle milestone an Event describes.
// String values are used (not iota) so events serialize cleanly.
const (
	// EventFlowAdded is published when a flow is registered for execution.
	EventFlowAdded = "flow_added"

	// EventFlowRunning is published when a flow begins executing.
	EventFlowRunning = "flow_running"

	// EventFlowCompleted is published when a flow finishes successfully.
	EventFlowCompleted = "flow_completed"

	// EventFlowFailed is published when a flow terminates in failure.
	EventFlowFailed = "flow_failed"

	// EventStepStarted is published when a step begins its first attempt.
	EventStepStarted = "step_started"

	// EventStepProgress is published on intermediate step activity such as
	// a retry attempt.
	EventStepProgress = "step_progress"

	// EventStepCompleted is published when a step reaches a terminal result.
	EventStepCompleted = "step_completed"
)

// Event is a structured lifecycle message published by the engine for
// consumption by presenters. Presenters consume events only; they cannot
// mutate engine state.
type Event struct {
	Type      string    `json:"type"`
	Flow      string    `json:"flow"`
	Step      string    `json:"step,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`
	Message   string    `json:"message"`
	Success   bool      `json:"success,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber consumes lifecycle events. Implementations must tolerate
// concurrent delivery relative to other subscribers; delivery to a single
// subscriber is always serial.
type Subscriber interface {
	HandleEvent(ev Event)
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(ev Event)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }

// subscriberBuffer bounds the per-subscriber event queue. A subscriber that
// falls further behind than this loses events rather than stalling the
// engine.
const subscriberBuffer = 256

// Bus is a small publish-subscribe surface between the engine and the
// presenters. Each subscriber gets its own goroutine and buffered queue, so
// delivery to one subscriber is serial while cross-subscriber delivery is
// concurrent. Publish never blocks: when a queue is full the event is
// dropped and logged at debug level. Subscriber panics are recovered and
// logged.
type Bus struct {
	mu     sync.Mutex
	queues []chan Event
	wg     sync.WaitGroup
	closed bool
	logger *log.Logger
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{logger: log.WithPrefix("events")}
}

// Subscribe attaches sub to the bus. Must be called before Publish traffic
// starts for deterministic delivery of the earliest events.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	q := make(chan Event, subscriberBuffer)
	b.queues = append(b.queues, q)
	b.wg.Add(1)
	go b.deliver(sub, q)
}

// Publish fans ev out to every subscriber without blocking. Timestamp is
// stamped here when the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, q := range b.queues {
		select {
		case q <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "type", ev.Type, "flow", ev.Flow)
		}
	}
}

// Close stops delivery and waits for the subscriber goroutines to drain
// their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) deliver(sub Subscriber, q <-chan Event) {
	defer b.wg.Done()
	for ev := range q {
		b.deliverOne(sub, ev)
	}
}

func (b *Bus) deliverOne(sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	sub.HandleEvent(ev)
}
