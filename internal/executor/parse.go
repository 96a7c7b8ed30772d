package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/pkg/llm"
)

type unitOutput struct {
	OutlineDelta []string         `json:"outlineDelta"`
	Sections     []domain.Section `json:"sections"`
	Content      string           `json:"content"`
}

// parseUnit decodes a writer reply into a result with its content hash.
func parseUnit(text string) (*domain.SubtaskResult, error) {
	var out unitOutput
	if err := json.Unmarshal([]byte(llm.ExtractJSON(text)), &out); err != nil {
		return nil, fmt.Errorf("decode unit output: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("unit output has no content")
	}
	for i, s := range out.Sections {
		if !s.Valid() {
			return nil, fmt.Errorf("section %d lacks an id, title or body", i+1)
		}
	}
	return &domain.SubtaskResult{
		OutlineDelta: out.OutlineDelta,
		Sections:     out.Sections,
		Content:      out.Content,
		Hash:         domain.HashContent(out.Content),
	}, nil
}
