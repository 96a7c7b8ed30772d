// Package assembler validates completed units and merges them into the final artifact.
package assembler

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/joss/scribe/internal/domain"
)

// separator joins unit contents.
const separator = "\n\n"

// Assembler merges units. Validation problems are returned as issues,
// never as errors.
type Assembler struct {
	md  goldmark.Markdown
	now func() time.Time
}

// New creates an assembler rendering Markdown with GitHub flavoured extensions.
func New() *Assembler {
	return &Assembler{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the assembly timestamp source.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Validate checks the unit list without building anything.
func Validate(subtasks []*domain.Subtask) []domain.Issue {
	var issues []domain.Issue
	if len(subtasks) == 0 {
		return []domain.Issue{{Kind: domain.IssueEmptyContent, Message: "document has no units"}}
	}

	seen := make(map[int]int, len(subtasks))
	maxOrder := 0
	for _, st := range subtasks {
		seen[st.Order]++
		maxOrder = max(maxOrder, st.Order)
	}
	for order := 1; order <= max(maxOrder, len(subtasks)); order++ {
		switch n := seen[order]; {
		case n == 0:
			issues = append(issues, issue(domain.IssueMissingOrder, order, "unit %d is missing", order))
		case n > 1:
			issues = append(issues, issue(domain.IssueDuplicateOrder, order, "unit %d appears %d times", order, n))
		}
	}

	total := 0
	for _, st := range sorted(subtasks) {
		if st.Status != domain.SubtaskCompleted || st.Result == nil {
			issues = append(issues, issue(domain.IssueIncomplete, st.Order, "unit %d is %s", st.Order, st.Status))
			continue
		}
		r := st.Result
		if strings.TrimSpace(r.Content) == "" {
			issues = append(issues, issue(domain.IssueEmptyUnit, st.Order, "unit %d has no content", st.Order))
		}
		if !r.Verify() {
			issues = append(issues, issue(domain.IssueHashMismatch, st.Order, "unit %d content does not match its hash", st.Order))
		}
		for i, s := range r.Sections {
			if !s.Valid() {
				issues = append(issues, issue(domain.IssueInvalidSection, st.Order,
					"unit %d section %d lacks an id, title or body", st.Order, i+1))
			}
		}
		total += len(strings.TrimSpace(r.Content))
	}
	if total == 0 && len(issues) == 0 {
		issues = append(issues, domain.Issue{Kind: domain.IssueEmptyContent, Message: "assembled content is empty"})
	}
	return issues
}

// Assemble validates subtasks and, when there are no issues, merges them in
// order into an artifact.
func (a *Assembler) Assemble(subtasks []*domain.Subtask) (*domain.Artifact, []domain.Issue) {
	if issues := Validate(subtasks); len(issues) > 0 {
		return nil, issues
	}

	units := sorted(subtasks)
	art := &domain.Artifact{Units: len(units), AssembledAt: a.now()}

	var content strings.Builder
	for i, st := range units {
		if i > 0 {
			content.WriteString(separator)
		}
		base := content.Len()
		r := st.Result
		art.Outline = append(art.Outline, r.OutlineDelta...)
		art.Sections = append(art.Sections, r.Sections...)
		for _, s := range r.Sections {
			art.Index = append(art.Index, domain.IndexEntry{
				Order:     st.Order,
				SectionID: s.ID,
				Title:     s.Title,
				Offset:    base + sectionOffset(r.Content, s.Title),
			})
		}
		content.WriteString(r.Content)
	}

	art.Content = content.String()
	art.Hash = domain.HashContent(art.Content)

	var html bytes.Buffer
	if err := a.md.Convert([]byte(art.Content), &html); err != nil {
		return nil, []domain.Issue{{Kind: domain.IssueEmptyContent, Message: fmt.Sprintf("render markdown: %v", err)}}
	}
	art.HTML = html.String()
	return art, nil
}

// sectionOffset locates a section's heading within its unit, falling back
// to the start of the unit.
func sectionOffset(content, title string) int {
	if i := strings.Index(content, "# "+title); i >= 0 {
		for i > 0 && content[i-1] == '#' {
			i--
		}
		return i
	}
	if i := strings.Index(content, title); i >= 0 {
		return i
	}
	return 0
}

func sorted(subtasks []*domain.Subtask) []*domain.Subtask {
	out := append([]*domain.Subtask(nil), subtasks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func issue(kind string, order int, format string, args ...any) domain.Issue {
	return domain.Issue{Kind: kind, Order: order, Message: fmt.Sprintf(format, args...)}
}
