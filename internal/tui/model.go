// Package tui implements the live-table presenter: a status table of every
// flow plus an overall progress bar, refreshed at least once per second
// while any flow is running. It consumes lifecycle events only and never
// mutates engine state.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/trayworks/trayflow/internal/workflow"
)

// tickInterval is the refresh cadence of the live view.
const tickInterval = time.Second

// flowRow is the displayed state of one flow.
type flowRow struct {
	name      string
	status    string
	step      string
	completed int
	total     int
}

// Model is the Bubble Tea model for the live progress view.
type Model struct {
	ctx    context.Context
	bridge EventBridge
	events <-chan workflow.Event

	theme    Theme
	bar      progress.Model
	width    int
	rows     []*flowRow
	rowIndex map[string]*flowRow

	stepsDone  int
	stepsTotal int

	done    bool
	success bool
}

// NewModel creates the live view reading events from ch until ctx is done.
func NewModel(ctx context.Context, ch <-chan workflow.Event) Model {
	return Model{
		ctx:      ctx,
		bridge:   NewEventBridge(),
		events:   ch,
		theme:    DefaultTheme(),
		bar:      progress.New(progress.WithDefaultGradient()),
		width:    80,
		rowIndex: map[string]*flowRow{},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.bridge.EventCmd(m.ctx, m.events), tick())
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 8
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case TickMsg:
		if m.done {
			return m, tea.Quit
		}
		return m, tick()

	case DoneMsg:
		m.done = true
		m.success = msg.Success
		return m, tea.Quit

	case FlowEventMsg:
		m.apply(msg)
		return m, m.bridge.EventCmd(m.ctx, m.events)
	}
	return m, nil
}

func (m *Model) apply(ev FlowEventMsg) {
	row, ok := m.rowIndex[ev.Flow]
	if !ok {
		row = &flowRow{name: ev.Flow, status: "Pending", step: "Not Started"}
		m.rowIndex[ev.Flow] = row
		m.rows = append(m.rows, row)
	}

	switch ev.Type {
	case workflow.EventFlowRunning:
		row.status = "Running"
		row.step = "Starting"
	case workflow.EventFlowCompleted:
		row.status = "Completed"
		row.step = "All Steps Done"
		row.completed = row.total
	case workflow.EventFlowFailed:
		row.status = "Failed"
		row.step = ev.Message
	case workflow.EventStepStarted:
		row.status = "Running"
		row.step = ev.Step
		row.total++
		m.stepsTotal++
	case workflow.EventStepProgress:
		row.step = fmt.Sprintf("%s (%s)", ev.Step, ev.Message)
	case workflow.EventStepCompleted:
		row.completed++
		m.stepsDone++
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.theme.Title.Render("Tray Flow Progress"))
	b.WriteString("\n\n")

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.Header.Width(28).Render("FLOW"),
		m.theme.Header.Width(11).Render("STATUS"),
		m.theme.Header.Width(9).Render("STEPS"),
		m.theme.Header.Render("CURRENT STEP"),
	)
	b.WriteString(header)
	b.WriteString("\n")

	for _, row := range m.rows {
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			m.theme.Cell.Width(28).Render(truncate(row.name, 26)),
			m.theme.statusStyle(row.status).Width(11).Render(row.status),
			m.theme.Cell.Width(9).Render(fmt.Sprintf("%d/%d", row.completed, row.total)),
			m.theme.Muted.Render(truncate(row.step, m.width-52)),
		)
		b.WriteString(line)
		b.WriteString("\n")
	}

	ratio := 0.0
	if m.stepsTotal > 0 {
		ratio = float64(m.stepsDone) / float64(m.stepsTotal)
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(ratio))
	b.WriteString("\n")

	return m.theme.Panel.Render(b.String())
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
