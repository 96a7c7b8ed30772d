// Package tui provides a live terminal view of a run using Bubble Tea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/logging"
	feed "github.com/joss/scribe/internal/progress"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)
)

// maxLog is how many event lines the view keeps.
const maxLog = 12

// Message types
type eventMsg domain.Event
type streamDoneMsg struct{ err error }

// Model follows one run until it reaches a terminal event.
type Model struct {
	docID string
	runID string

	total    int
	done     int
	current  int
	status   string
	log      []string
	err      error
	finished bool
	quitting bool
	start    time.Time

	spinner  spinner.Model
	progress progress.Model
	width    int

	events <-chan tea.Msg
	cancel context.CancelFunc
}

// New creates a model reading events from ch. cancel stops the producer
// when the user quits.
func New(docID, runID string, ch <-chan tea.Msg, cancel context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		docID:    docID,
		runID:    runID,
		status:   "waiting",
		start:    time.Now(),
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		events:   ch,
		cancel:   cancel,
	}
}

// waitForEvent reads the next message of the stream.
func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamDoneMsg{}
		}
		return msg
	}
}

// Init initializes the TUI
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-20, 10), 60)

	case eventMsg:
		m.apply(domain.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamDoneMsg:
		if msg.err != nil && m.err == nil {
			m.err = msg.err
		}
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one event into the model.
func (m *Model) apply(e domain.Event) {
	if n := intOf(e.Data["totalSubtasks"]); n > 0 {
		m.total = n
	}
	switch e.Type {
	case domain.EventPlanned:
		m.status = "writing"
	case domain.EventSubtaskStarted:
		m.current = intOf(e.Data["order"])
		m.status = "writing"
	case domain.EventSubtaskComplete:
		m.done = max(m.done, intOf(e.Data["order"]))
	case domain.EventAssembled:
		m.status = "assembling"
	case domain.EventCompleted:
		m.status = "completed"
		m.done = m.total
	case domain.EventError:
		m.status = "failed"
		if msg, ok := e.Data["message"].(string); ok {
			m.err = fmt.Errorf("%s", msg)
		}
	case domain.EventCancelled:
		m.status = "cancelled"
	}
	if e.Type.IsTerminal() {
		m.finished = true
	}

	line := fmt.Sprintf("%s %-16s %s", e.Timestamp.Format("15:04:05"), e.Type, describe(e))
	m.log = append(m.log, line)
	if len(m.log) > maxLog {
		m.log = m.log[len(m.log)-maxLog:]
	}
}

func describe(e domain.Event) string {
	if msg, ok := e.Data["message"].(string); ok {
		return msg
	}
	if order := intOf(e.Data["order"]); order > 0 {
		return fmt.Sprintf("unit %d/%d", order, intOf(e.Data["totalSubtasks"]))
	}
	return ""
}

// intOf reads a number that may have passed through JSON.
func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Percent is the completed share of units.
func (m Model) Percent() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

// Status returns the last known run status.
func (m Model) Status() string { return m.status }

// Quitting reports whether the user closed the view before the run ended.
func (m Model) Quitting() bool { return m.quitting }

// Err returns the failure reported by the run, if any.
func (m Model) Err() error { return m.err }

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("scribe · "+m.docID) + "\n")
	b.WriteString(infoStyle.Render("  run "+m.runID) + "\n\n")

	state := m.status
	switch m.status {
	case "completed":
		state = activeStyle.Render("✓ " + m.status)
	case "failed", "cancelled":
		state = errorStyle.Render("✗ " + m.status)
	default:
		if !m.finished {
			state = m.spinner.View() + " " + m.status
		}
	}
	fmt.Fprintf(&b, "  %s  unit %d of %d\n", state, max(m.current, m.done), m.total)
	fmt.Fprintf(&b, "  %s\n\n", m.progress.ViewAs(m.Percent()))

	for _, line := range m.log {
		b.WriteString(infoStyle.Render("  "+line) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n  " + errorStyle.Render(m.err.Error()) + "\n")
	}

	if !m.finished && !m.quitting {
		b.WriteString(helpStyle.Render("  q: stop watching") + "\n")
	}
	return b.String()
}

// Watch streams a run's events into an interactive view until a terminal
// event arrives or the user quits. It returns the final model.
func Watch(ctx context.Context, f *feed.Feed, docID, runID string, opts ...tea.ProgramOption) (Model, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan tea.Msg, 64)
	logging.SafeGo("watch", func() {
		defer close(ch)
		err := f.Stream(ctx, docID, runID, feed.StreamOptions{
			OnEvent: func(e domain.Event) error {
				select {
				case ch <- eventMsg(e):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
		if err != nil && ctx.Err() == nil {
			select {
			case ch <- streamDoneMsg{err: err}:
			case <-ctx.Done():
			}
		}
	})

	final, err := tea.NewProgram(New(docID, runID, ch, cancel), opts...).Run()
	if err != nil {
		return Model{}, err
	}
	return final.(Model), nil
}
