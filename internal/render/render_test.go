package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joss/scribe/internal/domain"
)

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header("units %d", 3)
	w.Item("a=%d", 1)
	w.Nested("err")
	assert.Equal(t, "UNITS 3\n\n  a=1\n    └─ err\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "éééé...", Truncate("éééééééééé", 7))
}

func TestProgress(t *testing.T) {
	assert.Equal(t, "[#####-----] 1/2", Progress(1, 2, 10))
	assert.Equal(t, "[----] 0/0", Progress(0, 0, 4))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
}

func TestPlainEvent(t *testing.T) {
	r := New(false)
	ts := time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)

	e := &domain.Event{Type: domain.EventSubtaskComplete, Agent: "writer", Timestamp: ts,
		Data: map[string]any{"order": 2, "totalSubtasks": 3}}
	assert.Equal(t, "[12:00:05] subtask_complete writer unit 2/3", r.Event(e))

	e = &domain.Event{Type: domain.EventError, Agent: "writer", Timestamp: ts,
		Data: map[string]any{"message": "backend failure", "kind": "backend"}}
	assert.Equal(t, "[12:00:05] error writer backend failure", r.Event(e))

	e = &domain.Event{Type: domain.EventPlanned, Agent: "writer", Timestamp: ts,
		Data: map[string]any{"totalSubtasks": 3}}
	assert.Equal(t, "[12:00:05] planned writer totalSubtasks=3", r.Event(e))
}

func TestOverview(t *testing.T) {
	r := New(false)
	doc := &domain.Document{ID: "doc_1", Status: domain.DocWriting, Topic: domain.TopicMeta{Subject: "Bio", Topic: "Cells"}}
	subtasks := []*domain.Subtask{
		{Order: 1, Status: domain.SubtaskCompleted, Range: domain.Range{EndPoint: -1}},
		{Order: 2, Status: domain.SubtaskFailed, Range: domain.Range{StartNode: 1, EndNode: 1, EndPoint: -1}, LastError: "timeout"},
	}
	runs := []*domain.Run{{ID: "run_1", Status: domain.RunFailed, FailureKind: domain.FailureBackend, Error: "timeout", CurrentSubtaskOrder: 1, TotalSubtasks: 2}}

	out := r.Overview(doc, subtasks, runs)
	assert.Contains(t, out, "Document doc_1")
	assert.Contains(t, out, "[##########----------] 1/2")
	assert.Contains(t, out, "node 2")
	assert.Contains(t, out, "└─ timeout")
	assert.Contains(t, out, "run run_1  failed  1/2")
	assert.Contains(t, out, "backend: timeout")
}

func TestListings(t *testing.T) {
	r := New(false)
	assert.Equal(t, "No plans found\n", r.Plans(nil))
	assert.Equal(t, "No documents found\n", r.Documents(nil))
	assert.Equal(t, "No events found\n", r.Events(nil))

	p := &domain.Plan{ID: "plan_1", Status: domain.PlanProposed, Topic: domain.TopicMeta{Topic: "Cells"},
		Outline: []domain.OutlineNode{{ID: "n1", Title: "Intro", Points: []string{"why"}}}}
	assert.Contains(t, r.Plans([]*domain.Plan{p}), "plan_1")
	out := r.Plan(p)
	assert.Contains(t, out, "1. Intro [n1]")
	assert.Contains(t, out, "- why")
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "✓", StatusIcon("completed"))
	assert.Equal(t, "✗", StatusIcon("failed"))
	assert.Equal(t, "◐", StatusIcon("in_progress"))
	assert.Equal(t, "•", StatusIcon("other"))
}

func TestSplitAndRun(t *testing.T) {
	r := New(false)
	assert.Equal(t, "No units\n", r.Split("doc_1", nil))

	out := r.Split("doc_1", []*domain.Subtask{
		{Order: 1, Range: domain.Range{StartNode: 0, EndNode: 0}, TargetSize: 500, LengthHints: []int{250, 250}},
	})
	assert.Contains(t, out, "SPLIT DOC_1 INTO 1 UNITS")
	assert.Contains(t, out, "target=500")
	assert.Contains(t, out, "└─ per point [250 250]")

	run := &domain.Run{ID: "run_1", Status: domain.RunFailed, CurrentSubtaskOrder: 2, TotalSubtasks: 4,
		FailureKind: domain.FailureAssembly, Error: "assembly validation failed",
		Issues: []domain.Issue{{Kind: domain.IssueEmptyUnit, Order: 3, Message: "unit 3 is empty"}}}
	out = r.Run(run)
	assert.Contains(t, out, "run run_1  failed\n")
	assert.Contains(t, out, "[##########----------] 2/4")
	assert.Contains(t, out, "└─ [empty_unit] unit 3 is empty")
}
