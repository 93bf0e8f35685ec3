package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/trayworks/trayflow/internal/workflow"
)

// FlowEventMsg is the TUI-side rendering of a workflow lifecycle event.
type FlowEventMsg struct {
	Type      string
	Flow      string
	Step      string
	Message   string
	Success   bool
	Timestamp time.Time
}

// DoneMsg signals that the driven run has finished; the model quits after
// one final refresh.
type DoneMsg struct {
	Success bool
}

// TickMsg drives the periodic refresh while any flow is running.
type TickMsg time.Time

// EventBridge converts workflow.Event values into TUI messages. All methods
// return a tea.Cmd that reads a single event from the channel; call them
// again from Update to keep draining.
type EventBridge struct{}

// NewEventBridge creates a new EventBridge.
func NewEventBridge() EventBridge {
	return EventBridge{}
}

// EventCmd returns a tea.Cmd that reads one workflow.Event from ch and
// converts it to a FlowEventMsg. The command sends nil when the channel is
// closed or ctx is done.
func (b EventBridge) EventCmd(ctx context.Context, ch <-chan workflow.Event) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			return FlowEventMsg{
				Type:      ev.Type,
				Flow:      ev.Flow,
				Step:      ev.Step,
				Message:   ev.Message,
				Success:   ev.Success,
				Timestamp: ev.Timestamp,
			}
		}
	}
}
