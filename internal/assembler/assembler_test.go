package assembler

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func unit(order int) *domain.Subtask {
	content := fmt.Sprintf("## Part %d\n\nBody of part %d.", order, order)
	return &domain.Subtask{
		ID:     fmt.Sprintf("st_%d", order),
		Order:  order,
		Status: domain.SubtaskCompleted,
		Result: &domain.SubtaskResult{
			OutlineDelta: []string{fmt.Sprintf("Point %d", order)},
			Sections:     []domain.Section{{ID: fmt.Sprintf("s%d", order), Title: fmt.Sprintf("Part %d", order), Body: "body"}},
			Content:      content,
			Hash:         domain.HashContent(content),
		},
	}
}

func kinds(issues []domain.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Kind)
	}
	return out
}

func TestAssemble_Success(t *testing.T) {
	a := New().WithClock(func() time.Time { return t0 })

	art, issues := a.Assemble([]*domain.Subtask{unit(3), unit(1), unit(2)})
	require.Empty(t, issues)
	require.NotNil(t, art)

	want := "## Part 1\n\nBody of part 1.\n\n## Part 2\n\nBody of part 2.\n\n## Part 3\n\nBody of part 3."
	assert.Equal(t, want, art.Content)
	assert.Equal(t, domain.HashContent(want), art.Hash)
	assert.Equal(t, []string{"Point 1", "Point 2", "Point 3"}, art.Outline)
	assert.Len(t, art.Sections, 3)
	assert.Equal(t, 3, art.Units)
	assert.Equal(t, t0, art.AssembledAt)

	require.Len(t, art.Index, 3)
	for _, e := range art.Index {
		assert.True(t, strings.HasPrefix(art.Content[e.Offset:], "## "+e.Title), "offset of %s", e.SectionID)
	}

	assert.Contains(t, art.HTML, `<h2 id="part-1">Part 1</h2>`)
	assert.Contains(t, art.HTML, "<p>Body of part 3.</p>")
}

func TestAssemble_RendersTables(t *testing.T) {
	st := unit(1)
	st.Result.Content = "| a | b |\n|---|---|\n| 1 | 2 |"
	st.Result.Hash = domain.HashContent(st.Result.Content)

	art, issues := New().Assemble([]*domain.Subtask{st})
	require.Empty(t, issues)
	assert.Contains(t, art.HTML, "<table>")
}

func TestAssemble_Issues(t *testing.T) {
	tampered := unit(2)
	tampered.Result.Content += " edited"

	incomplete := unit(2)
	incomplete.Status = domain.SubtaskFailed
	incomplete.Result = nil

	empty := unit(1)
	empty.Result.Content = "   "
	empty.Result.Hash = domain.HashContent(empty.Result.Content)

	badSection := unit(1)
	badSection.Result.Sections[0].Title = ""

	tests := []struct {
		name  string
		units []*domain.Subtask
		want  []string
	}{
		{"missing order", []*domain.Subtask{unit(1), unit(3)}, []string{domain.IssueMissingOrder}},
		{"duplicate order", []*domain.Subtask{unit(1), unit(1)}, []string{domain.IssueDuplicateOrder, domain.IssueMissingOrder}},
		{"hash mismatch", []*domain.Subtask{unit(1), tampered}, []string{domain.IssueHashMismatch}},
		{"incomplete", []*domain.Subtask{unit(1), incomplete}, []string{domain.IssueIncomplete}},
		{"empty unit", []*domain.Subtask{empty}, []string{domain.IssueEmptyUnit}},
		{"invalid section", []*domain.Subtask{badSection}, []string{domain.IssueInvalidSection}},
		{"no units", nil, []string{domain.IssueEmptyContent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, issues := New().Assemble(tt.units)
			assert.Nil(t, art)
			assert.ElementsMatch(t, tt.want, kinds(issues))
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	tampered := unit(1)
	tampered.Result.Hash = "deadbeef"
	issues := Validate([]*domain.Subtask{tampered, unit(3)})

	assert.ElementsMatch(t, []string{domain.IssueMissingOrder, domain.IssueHashMismatch}, kinds(issues))
	for _, is := range issues {
		assert.NotEmpty(t, is.Message)
	}
}
