package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/joss/scribe/pkg/llm"
)

// Reply is one canned answer of a Scripted provider.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Scripted replays canned replies in order, then defers to Fallback.
// It records every request it receives.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	requests []*llm.Request

	// Fallback answers once replies are exhausted. Nil means an error.
	Fallback func(n int, req *llm.Request) (string, error)
}

// NewScripted creates a provider answering with replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) ID() string   { return "scripted" }
func (s *Scripted) Name() string { return "Scripted" }

// Push appends more replies.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *Scripted) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	var r Reply
	scripted := len(s.replies) > 0
	if scripted {
		r = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if !scripted {
		if s.Fallback == nil {
			return nil, fmt.Errorf("scripted: no reply for call %d", n+1)
		}
		text, err := s.Fallback(n, req)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Text: text, Model: "scripted"}, nil
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Text: r.Text, Model: "scripted"}, nil
}

// Requests returns a copy of the requests received so far.
func (s *Scripted) Requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

// CallCount returns how many times Generate was called.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// DryRun returns a Scripted provider that fabricates well-formed output for
// any prompt. It lets the whole pipeline run without network access.
func DryRun() *Scripted {
	s := NewScripted()
	s.Fallback = func(n int, req *llm.Request) (string, error) {
		var v any
		switch req.Tag {
		case llm.TagPlan:
			v = map[string]any{
				"outline": []map[string]any{
					{"id": "n1", "title": "Introduction", "points": []string{"Background", "Key terms"}},
					{"id": "n2", "title": "Core ideas", "points": []string{"Main concept", "Worked example"}},
					{"id": "n3", "title": "Review", "points": []string{"Summary", "Practice"}},
				},
				"estimate": map[string]any{"totalTokens": 3000},
			}
		default:
			id := fmt.Sprintf("part-%d", n+1)
			body := fmt.Sprintf("Draft paragraph %d generated without a backend.", n+1)
			v = map[string]any{
				"outlineDelta": []string{fmt.Sprintf("Part %d", n+1)},
				"sections":     []map[string]string{{"id": id, "title": fmt.Sprintf("Part %d", n+1), "body": body}},
				"content":      fmt.Sprintf("## Part %d\n\n%s", n+1, body),
			}
		}
		data, err := json.Marshal(v)
		return string(data), err
	}
	return s
}
