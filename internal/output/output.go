// Package output selects and wires the presenter consuming the engine's
// lifecycle events. Four policies exist: silent (file logging only), live
// (status table plus progress bar), log (stream events to stdout), and json
// (re-print the progress document on every step completion).
package output

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/trayworks/trayflow/internal/logging"
	"github.com/trayworks/trayflow/internal/tracker"
	"github.com/trayworks/trayflow/internal/tui"
	"github.com/trayworks/trayflow/internal/workflow"
)

// Mode selects the presenter policy.
type Mode string

const (
	// ModeSilent suppresses all presentation; only file logging remains.
	ModeSilent Mode = "none"

	// ModeLive renders the status table and progress bar, refreshed at
	// least once per second while any flow is running.
	ModeLive Mode = "live"

	// ModeLog streams lifecycle events to stdout as log lines.
	ModeLog Mode = "log"

	// ModeJSON re-prints the progress document on every step completion.
	ModeJSON Mode = "json"
)

// ParseMode converts a configuration string into a Mode. Legacy aliases from
// earlier tooling ("gui" and "all") are accepted.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none", "silent", "":
		return ModeSilent, nil
	case "live", "gui":
		return ModeLive, nil
	case "log", "all":
		return ModeLog, nil
	case "json":
		return ModeJSON, nil
	}
	return "", fmt.Errorf("unknown output mode %q (must be none, live, log, or json)", s)
}

// Presenter consumes lifecycle events while a run executes.
type Presenter interface {
	// Subscriber returns the bus subscriber for this presenter, or nil when
	// the mode consumes no events.
	Subscriber() workflow.Subscriber

	// Run executes fn while presenting and returns its result.
	Run(ctx context.Context, fn func(context.Context) bool) (bool, error)
}

// New builds the presenter for mode. The tracker is consulted by the json
// mode for document snapshots.
func New(mode Mode, trk *tracker.Tracker) Presenter {
	switch mode {
	case ModeLive:
		return newLivePresenter()
	case ModeLog:
		logger := logging.New("flow")
		logger.SetOutput(os.Stdout)
		return &logPresenter{logger: logger}
	case ModeJSON:
		return &jsonPresenter{tracker: trk}
	}
	return &silentPresenter{}
}

// silentPresenter consumes nothing and runs fn directly.
type silentPresenter struct{}

func (*silentPresenter) Subscriber() workflow.Subscriber { return nil }

func (*silentPresenter) Run(ctx context.Context, fn func(context.Context) bool) (bool, error) {
	return fn(ctx), nil
}

// logPresenter forwards every event through the logger in real time.
type logPresenter struct {
	logger interface {
		Info(msg any, kvs ...any)
		Error(msg any, kvs ...any)
	}
}

func (p *logPresenter) Subscriber() workflow.Subscriber {
	return workflow.SubscriberFunc(func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventFlowFailed:
			p.logger.Error(ev.Message, "flow", ev.Flow)
		case workflow.EventStepCompleted:
			p.logger.Info(ev.Message, "flow", ev.Flow, "success", ev.Success)
		default:
			p.logger.Info(ev.Message, "flow", ev.Flow)
		}
	})
}

func (p *logPresenter) Run(ctx context.Context, fn func(context.Context) bool) (bool, error) {
	return fn(ctx), nil
}

// jsonPresenter pretty-prints the progress document to stdout whenever a
// step completes.
type jsonPresenter struct {
	tracker *tracker.Tracker
}

func (p *jsonPresenter) Subscriber() workflow.Subscriber {
	return workflow.SubscriberFunc(func(ev workflow.Event) {
		if ev.Type != workflow.EventStepCompleted {
			return
		}
		data, err := p.tracker.Snapshot()
		if err != nil {
			return
		}
		os.Stdout.Write(data)
	})
}

func (p *jsonPresenter) Run(ctx context.Context, fn func(context.Context) bool) (bool, error) {
	return fn(ctx), nil
}

// livePresenter runs the Bubble Tea progress view while fn executes in the
// background. Events flow through a buffered channel so the engine never
// blocks on rendering; the result arrives via DoneMsg.
type livePresenter struct {
	events chan workflow.Event
}

func newLivePresenter() *livePresenter {
	return &livePresenter{events: make(chan workflow.Event, 256)}
}

func (p *livePresenter) Subscriber() workflow.Subscriber {
	return workflow.SubscriberFunc(func(ev workflow.Event) {
		select {
		case p.events <- ev:
		default:
		}
	})
}

func (p *livePresenter) Run(ctx context.Context, fn func(context.Context) bool) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewModel(ctx, p.events)
	program := tea.NewProgram(model)

	result := make(chan bool, 1)
	go func() {
		ok := fn(ctx)
		result <- ok
		program.Send(tui.DoneMsg{Success: ok})
	}()

	_, err := program.Run()
	// Cancel first: when the user quits the view early the engine must be
	// released before we wait for its result.
	cancel()
	ok := <-result
	if err != nil {
		return false, fmt.Errorf("running live display: %w", err)
	}
	return ok, nil
}
