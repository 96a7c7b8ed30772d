package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/joss/scribe/internal/domain"
)

// Memory is an in-process arena store. Entities are copied on the way in and
// out so callers never share state with the arena.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	plans    map[string]*domain.Plan
	docs     map[string]*domain.Document
	subtasks map[string]map[string]*domain.Subtask // doc -> id -> subtask
	runs     map[string]map[string]*domain.Run     // doc -> id -> run
	events   map[string][]*domain.Event            // doc/run -> events
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plans:    make(map[string]*domain.Plan),
		docs:     make(map[string]*domain.Document),
		subtasks: make(map[string]map[string]*domain.Subtask),
		runs:     make(map[string]map[string]*domain.Run),
		events:   make(map[string][]*domain.Event),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

// SetClock overrides the time source used for claims and updates.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Plans

func (m *Memory) CreatePlan(ctx context.Context, p *domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.plans[p.ID]; ok {
		return ErrAlreadyExists
	}
	m.plans[p.ID] = clone(p)
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	p, ok := m.plans[id]
	if !ok {
		return nil, NewNotFoundError("plan", id)
	}
	return clone(p), nil
}

func (m *Memory) UpdatePlan(ctx context.Context, p *domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.plans[p.ID]; !ok {
		return NewNotFoundError("plan", p.ID)
	}
	m.plans[p.ID] = clone(p)
	return nil
}

func (m *Memory) ListPlans(ctx context.Context, ownerID string, f Filter) ([]*domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []*domain.Plan
	for _, p := range m.plans {
		if p.OwnerID == ownerID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	lo, hi := f.Window(len(out))
	return out[lo:hi], nil
}

// Documents

func (m *Memory) CreateDocument(ctx context.Context, d *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.docs[d.ID]; ok {
		return ErrAlreadyExists
	}
	m.docs[d.ID] = clone(d)
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	d, ok := m.docs[id]
	if !ok {
		return nil, NewNotFoundError("document", id)
	}
	return clone(d), nil
}

func (m *Memory) UpdateDocument(ctx context.Context, d *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.docs[d.ID]; !ok {
		return NewNotFoundError("document", d.ID)
	}
	m.docs[d.ID] = clone(d)
	return nil
}

func (m *Memory) ListDocuments(ctx context.Context, ownerID string, f Filter) ([]*domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []*domain.Document
	for _, d := range m.docs {
		if d.OwnerID == ownerID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	lo, hi := f.Window(len(out))
	return out[lo:hi], nil
}

// Subtasks

func (m *Memory) ReplaceSubtasks(ctx context.Context, docID string, subtasks []*domain.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	set := make(map[string]*domain.Subtask, len(subtasks))
	for _, st := range subtasks {
		set[st.ID] = clone(st)
	}
	m.subtasks[docID] = set
	return nil
}

func (m *Memory) ListSubtasks(ctx context.Context, docID string) ([]*domain.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]*domain.Subtask, 0, len(m.subtasks[docID]))
	for _, st := range m.subtasks[docID] {
		out = append(out, clone(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) GetSubtask(ctx context.Context, docID, id string) (*domain.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	st, ok := m.subtasks[docID][id]
	if !ok {
		return nil, NewNotFoundError("subtask", id)
	}
	return clone(st), nil
}

func (m *Memory) ClaimSubtask(ctx context.Context, docID, id string, expectAttempts int, staleBefore time.Time) (*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	st, ok := m.subtasks[docID][id]
	if !ok {
		return nil, NewNotFoundError("subtask", id)
	}
	if st.Attempts != expectAttempts || !st.Claimable(staleBefore) {
		return nil, NewConflictError("subtask", id, "claimed by another caller")
	}
	st.Status = domain.SubtaskInProgress
	st.Attempts++
	st.UpdatedAt = m.now()
	return clone(st), nil
}

func (m *Memory) CompleteSubtask(ctx context.Context, docID, id string, res *domain.SubtaskResult) (*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	st, ok := m.subtasks[docID][id]
	if !ok {
		return nil, NewNotFoundError("subtask", id)
	}
	next := clone(st)
	if err := next.Complete(clone(res), m.now()); err != nil {
		return nil, NewConflictError("subtask", id, err.Error())
	}
	m.subtasks[docID][id] = next
	return clone(next), nil
}

func (m *Memory) FailSubtask(ctx context.Context, docID, id, reason string) (*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	st, ok := m.subtasks[docID][id]
	if !ok {
		return nil, NewNotFoundError("subtask", id)
	}
	next := clone(st)
	if err := next.Fail(reason, m.now()); err != nil {
		return nil, NewConflictError("subtask", id, err.Error())
	}
	m.subtasks[docID][id] = next
	return clone(next), nil
}

// Runs

func (m *Memory) CreateRun(ctx context.Context, r *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.runs[r.DocumentID] == nil {
		m.runs[r.DocumentID] = make(map[string]*domain.Run)
	}
	if _, ok := m.runs[r.DocumentID][r.ID]; ok {
		return ErrAlreadyExists
	}
	m.runs[r.DocumentID][r.ID] = clone(r)
	return nil
}

func (m *Memory) GetRun(ctx context.Context, docID, id string) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	r, ok := m.runs[docID][id]
	if !ok {
		return nil, NewNotFoundError("run", id)
	}
	return clone(r), nil
}

func (m *Memory) UpdateRun(ctx context.Context, r *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.runs[r.DocumentID][r.ID]; !ok {
		return NewNotFoundError("run", r.ID)
	}
	m.runs[r.DocumentID][r.ID] = clone(r)
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, docID string) ([]*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]*domain.Run, 0, len(m.runs[docID]))
	for _, r := range m.runs[docID] {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Events

func eventKey(docID, runID string) string { return docID + "/" + runID }

func (m *Memory) AppendEvent(ctx context.Context, e *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	k := eventKey(e.DocumentID, e.RunID)
	m.events[k] = append(m.events[k], clone(e))
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, docID, runID, afterID string) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []*domain.Event
	for _, e := range m.events[eventKey(docID, runID)] {
		if e.ID > afterID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
