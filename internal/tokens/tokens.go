// Package tokens provides token counting using tiktoken-go.
// Used to weight outline nodes when splitting and to size plan estimates.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/joss/scribe/internal/domain"
)

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts with the cl100k_base encoding. The encoding is loaded
// lazily; if it cannot be loaded it falls back to 4 chars per token.
type Tiktoken struct {
	enc  *tiktoken.Tiktoken
	once sync.Once
	err  error
}

// Global counter instance
var defaultCounter = &Tiktoken{}

// Default returns the shared tiktoken counter.
func Default() Counter { return defaultCounter }

// Count returns the number of tokens in the given text.
func Count(text string) int {
	return defaultCounter.Count(text)
}

// Count returns the number of tokens in the given text.
func (c *Tiktoken) Count(text string) int {
	c.init()
	if c.err != nil || c.enc == nil {
		// Fallback: rough estimate (4 chars per token)
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *Tiktoken) init() {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
}

// Estimate provides quick token estimates without full encoding.
type Estimate struct{}

// Count estimates token count at 1.3 tokens per word.
func (Estimate) Count(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}

// Node returns the weight of an outline node: its title plus every point.
// Never less than 1 so empty nodes still receive budget.
func Node(c Counter, n domain.OutlineNode) int {
	total := c.Count(n.Title)
	for _, p := range n.Points {
		total += c.Count(p)
	}
	return max(total, 1)
}

// Point returns the weight of one sub-point, never less than 1.
func Point(c Counter, p string) int {
	return max(c.Count(p), 1)
}
