package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/joss/scribe/internal/domain"
)

// Renderer formats engine entities for the terminal.
type Renderer struct {
	pretty bool
}

// New creates a new renderer. Plain output carries no color and one
// record per line.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

func (r *Renderer) status(s string) string {
	text := StatusIcon(s) + " " + s
	if !r.pretty {
		return s
	}
	switch s {
	case "completed":
		return color.GreenString(text)
	case "failed":
		return color.RedString(text)
	case "cancelled":
		return color.HiBlackString(text)
	case "queued", "split_planned", "outline_approved":
		return color.CyanString(text)
	default:
		return color.YellowString(text)
	}
}

func (r *Renderer) title(sb *strings.Builder, title string) {
	if r.pretty {
		sb.WriteString(color.CyanString(title) + "\n")
		sb.WriteString(strings.Repeat("─", 60) + "\n")
		return
	}
	sb.WriteString(title + "\n")
}

// Plan formats one plan with its outline.
func (r *Renderer) Plan(p *domain.Plan) string {
	var sb strings.Builder
	r.title(&sb, fmt.Sprintf("Plan %s", p.ID))
	fmt.Fprintf(&sb, "  Topic:    %s / %s\n", p.Topic.Subject, p.Topic.Topic)
	fmt.Fprintf(&sb, "  Status:   %s\n", r.status(string(p.Status)))
	fmt.Fprintf(&sb, "  Estimate: %d tokens\n", p.Estimate.TotalTokens)
	if p.DocumentID != "" {
		fmt.Fprintf(&sb, "  Document: %s\n", p.DocumentID)
	}
	if p.ParentID != "" {
		fmt.Fprintf(&sb, "  Refines:  %s\n", p.ParentID)
	}
	sb.WriteString("\n")
	for i, n := range p.Outline {
		fmt.Fprintf(&sb, "  %d. %s [%s]\n", i+1, n.Title, n.ID)
		for _, pt := range n.Points {
			fmt.Fprintf(&sb, "     - %s\n", pt)
		}
	}
	return sb.String()
}

// Plans formats a plan listing.
func (r *Renderer) Plans(plans []*domain.Plan) string {
	if len(plans) == 0 {
		return "No plans found\n"
	}
	var sb strings.Builder
	r.title(&sb, fmt.Sprintf("Plans (%d)", len(plans)))
	for _, p := range plans {
		fmt.Fprintf(&sb, "%s  %-12s %s\n", p.ID, r.status(string(p.Status)), Truncate(p.Topic.Topic, 40))
	}
	return sb.String()
}

// Documents formats a document listing.
func (r *Renderer) Documents(docs []*domain.Document) string {
	if len(docs) == 0 {
		return "No documents found\n"
	}
	var sb strings.Builder
	r.title(&sb, fmt.Sprintf("Documents (%d)", len(docs)))
	for _, d := range docs {
		fmt.Fprintf(&sb, "%s  %-22s %s\n", d.ID, r.status(string(d.Status)), Truncate(d.Topic.Topic, 40))
	}
	return sb.String()
}

// Overview formats a document with its units and runs.
func (r *Renderer) Overview(doc *domain.Document, subtasks []*domain.Subtask, runs []*domain.Run) string {
	var sb strings.Builder
	r.title(&sb, fmt.Sprintf("Document %s", doc.ID))
	fmt.Fprintf(&sb, "  Topic:  %s / %s\n", doc.Topic.Subject, doc.Topic.Topic)
	fmt.Fprintf(&sb, "  Status: %s\n", r.status(string(doc.Status)))
	fmt.Fprintf(&sb, "  Units:  %s\n", Progress(completed(subtasks), len(subtasks), 20))

	if len(subtasks) > 0 {
		sb.WriteString("\n")
		for _, st := range subtasks {
			fmt.Fprintf(&sb, "  %2d  %-16s %-22s target=%d attempts=%d\n",
				st.Order, r.status(string(st.Status)), st.Range.String(), st.TargetSize, st.Attempts)
			if st.LastError != "" {
				fmt.Fprintf(&sb, "    └─ %s\n", Truncate(st.LastError, 70))
			}
		}
	}

	if len(runs) > 0 {
		sb.WriteString("\n")
		for _, run := range runs {
			fmt.Fprintf(&sb, "  run %s  %s  %d/%d\n", run.ID, r.status(string(run.Status)),
				run.CurrentSubtaskOrder, run.TotalSubtasks)
			if run.Error != "" {
				fmt.Fprintf(&sb, "    └─ %s: %s\n", run.FailureKind, Truncate(run.Error, 70))
			}
		}
	}
	return sb.String()
}

// Split formats the units produced by a split.
func (r *Renderer) Split(docID string, subtasks []*domain.Subtask) string {
	var sb strings.Builder
	w := NewWriter(&sb)
	if len(subtasks) == 0 {
		w.Empty("No units")
		return sb.String()
	}
	w.Header("Split %s into %d units", docID, len(subtasks))
	for _, st := range subtasks {
		w.Item("%2d  %-24s target=%d", st.Order, st.Range.String(), st.TargetSize)
		if len(st.LengthHints) > 1 {
			w.Nested("per point %v", st.LengthHints)
		}
	}
	return sb.String()
}

// Run formats one run with its failure, if any.
func (r *Renderer) Run(run *domain.Run) string {
	var sb strings.Builder
	w := NewWriter(&sb)
	w.Println("run %s  %s", run.ID, r.status(string(run.Status)))
	w.Item("Units: %s", Progress(run.CurrentSubtaskOrder, run.TotalSubtasks, 20))
	if run.Error != "" {
		w.Item("Error: %s (%s)", Truncate(run.Error, 70), run.FailureKind)
	}
	for _, is := range run.Issues {
		w.Nested("[%s] %s", is.Kind, Truncate(is.Message, 70))
	}
	return sb.String()
}

func completed(subtasks []*domain.Subtask) int {
	n := 0
	for _, st := range subtasks {
		if st.Status == domain.SubtaskCompleted {
			n++
		}
	}
	return n
}

// Progress draws a fixed width bar such as [#####-----] 2/4.
func Progress(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	return fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("#", filled), strings.Repeat("-", width-filled), done, total)
}

// Event formats one progress event as a single line.
func (r *Renderer) Event(e *domain.Event) string {
	ts := e.Timestamp.Format("15:04:05")
	detail := eventDetail(e)
	if !r.pretty {
		return fmt.Sprintf("[%s] %s %s %s", ts, e.Type, e.Agent, detail)
	}

	typ := string(e.Type)
	switch e.Type {
	case domain.EventCompleted, domain.EventSubtaskComplete:
		typ = color.GreenString(typ)
	case domain.EventError:
		typ = color.RedString(typ)
	case domain.EventCancelled:
		typ = color.HiBlackString(typ)
	default:
		typ = color.YellowString(typ)
	}
	return fmt.Sprintf("%s %s %s %s", color.HiBlackString(ts), typ, color.HiBlackString(e.Agent), detail)
}

// Events formats a replayed event log.
func (r *Renderer) Events(events []*domain.Event) string {
	if len(events) == 0 {
		return "No events found\n"
	}
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(r.Event(e) + "\n")
	}
	return sb.String()
}

func eventDetail(e *domain.Event) string {
	if msg, ok := e.Data["message"].(string); ok {
		return Truncate(msg, 80)
	}
	if order, ok := e.Data["order"]; ok {
		return fmt.Sprintf("unit %v/%v", order, e.Data["totalSubtasks"])
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}
	return strings.Join(parts, " ")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
