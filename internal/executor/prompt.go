package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joss/scribe/internal/domain"
)

const systemPrompt = `You are an expert author writing one part of a long-form document.

Write clear, well structured Markdown. Cover only the assigned range and keep
terminology consistent with the earlier parts.

Output discipline:
- Respond with ONLY valid JSON. No code fences and no text outside the JSON object.
- Escape special characters in every string value.`

// promptInput is everything a writer prompt is built from.
type promptInput struct {
	Doc        *domain.Document
	Subtask    *domain.Subtask
	Total      int
	Continuity string
}

type rangeView struct {
	Range string               `json:"range"`
	Nodes []domain.OutlineNode `json:"nodes"`
}

// buildPrompt renders the user prompt for one unit.
func buildPrompt(in promptInput) string {
	doc, st := in.Doc, in.Subtask
	first := st.Order == 1
	last := st.Order == in.Total

	outline, _ := json.MarshalIndent(doc.Outline, "", "  ")
	assigned, _ := json.MarshalIndent(rangeView{
		Range: st.Range.String(),
		Nodes: st.Range.Nodes(doc.Outline),
	}, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "You are writing part %d of %d.\n\n", st.Order, in.Total)
	fmt.Fprintf(&b, "Subject: %s\n", doc.Topic.Subject)
	fmt.Fprintf(&b, "Topic: %s\n", doc.Topic.Topic)
	fmt.Fprintf(&b, "Level: %s\n", orNA(doc.Topic.Level))
	fmt.Fprintf(&b, "Specifics: %s\n\n", orNA(doc.Topic.Specification))

	fmt.Fprintf(&b, "Full outline:\n%s\n\n", outline)
	fmt.Fprintf(&b, "Your assigned range (part %d/%d):\n%s\n\n", st.Order, in.Total, assigned)

	if in.Continuity != "" {
		fmt.Fprintf(&b, "The previous part ended with:\n%s\n\n", in.Continuity)
	}

	fmt.Fprintf(&b, "Target: about %d tokens for this part.\n", st.TargetSize)
	if len(st.LengthHints) > 0 {
		hints, _ := json.Marshal(st.LengthHints)
		fmt.Fprintf(&b, "Per-point length guide in tokens, in order (stay within 10%%): %s\n", hints)
	}
	if doc.ContinuityHint != "" {
		fmt.Fprintf(&b, "Continuity: %s\n", doc.ContinuityHint)
	}

	b.WriteString("\nYour task:\n")
	b.WriteString("1. Write detailed content for the assigned range only.\n")
	if first {
		b.WriteString("2. Start with a document title (# heading) and an introduction.\n")
	} else {
		b.WriteString("2. Continue seamlessly from the previous part. Do not repeat its content.\n")
	}
	b.WriteString("3. Use Markdown headings (##, ###), lists, tables and examples where they help.\n")
	if last {
		b.WriteString("4. Conclude with a summary of the whole document and next steps.\n")
	} else {
		b.WriteString("4. End at a natural break point.\n")
	}

	b.WriteString(`
Return strict JSON:
{
  "outlineDelta": ["brief point covered", "..."],
  "sections": [
    {"id": "sec-1", "title": "Section title", "body": "Markdown body"}
  ],
  "content": "the full Markdown text of this part"
}
`)
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
