package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
)

func ev(typ domain.EventType, data map[string]any) tea.Msg {
	return eventMsg(domain.Event{Type: typ, Data: data, Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func feedAll(t *testing.T, m Model, msgs ...tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(Model)
	}
	return m, cmd
}

func TestModel_TracksProgress(t *testing.T) {
	m := New("doc_1", "run_1", make(chan tea.Msg), nil)
	m, cmd := feedAll(t, m,
		ev(domain.EventPlanned, map[string]any{"totalSubtasks": 4}),
		ev(domain.EventSubtaskStarted, map[string]any{"order": 1, "totalSubtasks": 4}),
		ev(domain.EventSubtaskComplete, map[string]any{"order": float64(1), "totalSubtasks": float64(4)}),
	)
	require.NotNil(t, cmd)
	assert.Equal(t, "writing", m.Status())
	assert.InDelta(t, 0.25, m.Percent(), 1e-9)
	assert.False(t, m.finished)

	view := m.View()
	assert.Contains(t, view, "doc_1")
	assert.Contains(t, view, "unit 1 of 4")
	assert.Contains(t, view, "subtask_complete")
	assert.Contains(t, view, "q: stop watching")
}

func TestModel_QuitsOnTerminalEvent(t *testing.T) {
	m := New("doc_1", "run_1", make(chan tea.Msg), nil)
	m, cmd := feedAll(t, m,
		ev(domain.EventPlanned, map[string]any{"totalSubtasks": 2}),
		ev(domain.EventAssembled, nil),
		ev(domain.EventCompleted, map[string]any{"totalSubtasks": 2}),
	)
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
	assert.Equal(t, "completed", m.Status())
	assert.Equal(t, 1.0, m.Percent())
	assert.NotContains(t, m.View(), "q: stop watching")
}

func TestModel_ReportsFailure(t *testing.T) {
	m := New("doc_1", "run_1", make(chan tea.Msg), nil)
	m, _ = feedAll(t, m, ev(domain.EventError, map[string]any{"message": "backend failure: boom", "kind": "backend"}))
	assert.Equal(t, "failed", m.Status())
	require.Error(t, m.Err())
	assert.Contains(t, m.View(), "backend failure: boom")
}

func TestModel_LogIsBounded(t *testing.T) {
	m := New("doc_1", "run_1", make(chan tea.Msg), nil)
	for i := 1; i <= maxLog+5; i++ {
		m, _ = feedAll(t, m, ev(domain.EventSubtaskStarted, map[string]any{"order": i, "totalSubtasks": 50}))
	}
	assert.Len(t, m.log, maxLog)
}

func TestModel_QuitKeyCancelsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New("doc_1", "run_1", make(chan tea.Msg), cancel)
	m, cmd := feedAll(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.Quitting())
	assert.Error(t, ctx.Err())
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	ch <- ev(domain.EventPlanned, nil)
	msg := waitForEvent(ch)()
	assert.IsType(t, eventMsg{}, msg)

	close(ch)
	assert.Equal(t, streamDoneMsg{}, waitForEvent(ch)())
}
