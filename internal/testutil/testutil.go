// Package testutil provides common test helpers and fixtures.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/provider"
)

// WriteFile creates a file with the given content in the specified directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// SetEnv sets an environment variable for the duration of the test.
func SetEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

// Caller returns a caller identity for uid.
func Caller(uid string) domain.Caller { return domain.Caller{UserID: uid} }

// Outline builds n nodes "n1".."nN", each with the given number of points.
func Outline(n, points int) []domain.OutlineNode {
	out := make([]domain.OutlineNode, 0, n)
	for i := 1; i <= n; i++ {
		node := domain.OutlineNode{ID: fmt.Sprintf("n%d", i), Title: fmt.Sprintf("Chapter %d", i)}
		for j := 1; j <= points; j++ {
			node.Points = append(node.Points, fmt.Sprintf("point %d.%d", i, j))
		}
		out = append(out, node)
	}
	return out
}

// Topic returns fixed topic metadata.
func Topic() domain.TopicMeta {
	return domain.TopicMeta{Subject: "Biology", Topic: "Cell structure", Level: "intro"}
}

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// WordCounter counts whitespace separated words, one token each.
type WordCounter struct{}

func (WordCounter) Count(text string) int { return len(strings.Fields(text)) }

// UnitJSON renders a well-formed writer reply for part n.
func UnitJSON(n int) string {
	id := fmt.Sprintf("s%d", n)
	body := fmt.Sprintf("Body of part %d. It ends here.", n)
	data, _ := json.Marshal(map[string]any{
		"outlineDelta": []string{fmt.Sprintf("Part %d", n)},
		"sections":     []map[string]string{{"id": id, "title": fmt.Sprintf("Part %d", n), "body": body}},
		"content":      fmt.Sprintf("## Part %d\n\n%s", n, body),
	})
	return string(data)
}

// UnitReplies returns scripted replies for parts 1..n.
func UnitReplies(n int) []provider.Reply {
	out := make([]provider.Reply, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, provider.Reply{Text: UnitJSON(i)})
	}
	return out
}

// PlanJSON renders a well-formed planner reply for the given outline.
func PlanJSON(outline []domain.OutlineNode, total int) string {
	data, _ := json.Marshal(map[string]any{
		"outline":  outline,
		"estimate": map[string]any{"totalTokens": total},
	})
	return string(data)
}
