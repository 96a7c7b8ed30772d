// Package llm defines the contract the engine requires from a generative backend.
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("empty response")

// Provider is the interface all generative backends must implement.
// Generate must honour ctx cancellation and deadlines.
type Provider interface {
	ID() string
	Name() string

	// Generate sends one prompt and returns the complete response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one structured prompt.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	JSON        bool   // ask for a single JSON object as output
	Tag         string // what the prompt is for, e.g. TagWrite
}

// Request tags.
const (
	TagWrite = "write"
	TagPlan  = "plan"
)

// Response is the complete text answer of a backend.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ProviderRegistry holds all available providers
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]Provider),
	}
}

func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *ProviderRegistry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns the registered providers sorted by id.
func (r *ProviderRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}
