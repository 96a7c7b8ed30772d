// Package store defines the persistence contract of the engine.
// Every backend (memory, sqlite, mongo) implements Store, and all state is
// keyed by id and grouped under its document.
package store

import (
	"context"
	"time"

	"github.com/joss/scribe/internal/domain"
)

// Filter defines query parameters for listing entities.
type Filter struct {
	Limit  int // Maximum results (0 = no limit)
	Offset int // Skip first N results
}

// DefaultFilter returns a filter with sensible defaults.
func DefaultFilter() Filter {
	return Filter{Limit: 100}
}

// WithLimit returns a copy of the filter with a new limit.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}

// WithOffset returns a copy of the filter with a new offset.
func (f Filter) WithOffset(n int) Filter {
	f.Offset = n
	return f
}

// Window applies the filter to n items and returns the [lo, hi) slice bounds.
func (f Filter) Window(n int) (int, int) {
	lo := min(max(f.Offset, 0), n)
	hi := n
	if f.Limit > 0 && lo+f.Limit < n {
		hi = lo + f.Limit
	}
	return lo, hi
}

// PlanStore persists outline proposals.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *domain.Plan) error
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	UpdatePlan(ctx context.Context, p *domain.Plan) error
	// ListPlans returns an owner's plans, newest first.
	ListPlans(ctx context.Context, ownerID string, f Filter) ([]*domain.Plan, error)
}

// DocumentStore persists generation jobs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d *domain.Document) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	UpdateDocument(ctx context.Context, d *domain.Document) error
	// ListDocuments returns an owner's documents, newest first.
	ListDocuments(ctx context.Context, ownerID string, f Filter) ([]*domain.Document, error)
}

// SubtaskStore persists the units of a document.
type SubtaskStore interface {
	// ReplaceSubtasks atomically swaps the document's whole subtask set.
	ReplaceSubtasks(ctx context.Context, docID string, subtasks []*domain.Subtask) error
	// ListSubtasks returns the document's subtasks ordered by Order.
	ListSubtasks(ctx context.Context, docID string) ([]*domain.Subtask, error)
	GetSubtask(ctx context.Context, docID, id string) (*domain.Subtask, error)
	// ClaimSubtask moves a queued, failed or stale in-progress unit to
	// in-progress and increments attempts, provided attempts still equals
	// expectAttempts. A lost race returns ErrConflict.
	ClaimSubtask(ctx context.Context, docID, id string, expectAttempts int, staleBefore time.Time) (*domain.Subtask, error)
	// CompleteSubtask stores the result of an in-progress unit.
	CompleteSubtask(ctx context.Context, docID, id string, res *domain.SubtaskResult) (*domain.Subtask, error)
	// FailSubtask records reason on a unit that has not completed.
	FailSubtask(ctx context.Context, docID, id, reason string) (*domain.Subtask, error)
}

// RunStore persists writing runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, docID, id string) (*domain.Run, error)
	UpdateRun(ctx context.Context, r *domain.Run) error
	// ListRuns returns the document's runs, oldest first.
	ListRuns(ctx context.Context, docID string) ([]*domain.Run, error)
}

// EventStore persists the append-only progress log.
type EventStore interface {
	AppendEvent(ctx context.Context, e *domain.Event) error
	// ListEvents returns a run's events with id greater than afterID, in id order.
	// An empty afterID replays from the start.
	ListEvents(ctx context.Context, docID, runID, afterID string) ([]*domain.Event, error)
}

// Store is the full persistence surface.
type Store interface {
	PlanStore
	DocumentStore
	SubtaskStore
	RunStore
	EventStore

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}
