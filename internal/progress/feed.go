// Package progress is the append-only, replayable event log of a run with a
// live tail.
package progress

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/metrics"
	"github.com/joss/scribe/internal/store"
)

// MaxMessageLen bounds string payloads of error events.
const MaxMessageLen = 500

// DefaultPollInterval is how often a stream re-reads the store for events
// appended by other processes.
const DefaultPollInterval = 2 * time.Second

// Feed appends and serves progress events.
type Feed struct {
	store   store.EventStore
	hub     *Hub
	metrics *metrics.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	now     func() time.Time
	lastTS  time.Time
	entropy *ulid.MonotonicEntropy

	pollInterval time.Duration
}

// Option customises a Feed.
type Option func(*Feed)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// WithPollInterval sets the store poll fallback of Stream.
func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithMetrics records counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// NewFeed creates a feed over s.
func NewFeed(s store.EventStore, opts ...Option) *Feed {
	f := &Feed{
		store:        s,
		hub:          NewHub(0),
		metrics:      metrics.Global(),
		log:          logging.New("progress"),
		now:          func() time.Time { return time.Now().UTC() },
		entropy:      ulid.Monotonic(rand.Reader, 0),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Hub exposes the live fan-out.
func (f *Feed) Hub() *Hub { return f.hub }

// stamp returns a strictly increasing timestamp and a ULID ordered with it.
func (f *Feed) stamp() (time.Time, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts := f.now()
	if !ts.After(f.lastTS) {
		ts = f.lastTS.Add(time.Nanosecond)
	}
	id, err := ulid.New(ulid.Timestamp(ts), f.entropy)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("event id: %w", err)
	}
	f.lastTS = ts
	return ts, id.String(), nil
}

// Append stamps, persists and publishes one event.
func (f *Feed) Append(ctx context.Context, e domain.Event) (*domain.Event, error) {
	ts, id, err := f.stamp()
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.Timestamp = ts
	if e.Type == domain.EventError {
		e.Data = truncated(e.Data)
	}

	if err := f.store.AppendEvent(ctx, &e); err != nil {
		return nil, fmt.Errorf("append %s event: %w", e.Type, err)
	}
	f.metrics.EventsAppended.Add(1)
	f.hub.Publish(e)
	return &e, nil
}

// Emit is Append for callers that only care about failure. Events are
// advisory, so a failed append is logged and not returned.
func (f *Feed) Emit(ctx context.Context, docID, runID string, typ domain.EventType, agent string, data map[string]any) {
	_, err := f.Append(ctx, domain.Event{DocumentID: docID, RunID: runID, Type: typ, Agent: agent, Data: data})
	if err != nil {
		f.log.Warn("event_append_failed", map[string]any{"document_id": docID, "run_id": runID, "type": string(typ)}, err)
	}
}

// ListFrom replays the run's events after afterID; "" replays everything.
func (f *Feed) ListFrom(ctx context.Context, docID, runID, afterID string) ([]*domain.Event, error) {
	return f.store.ListEvents(ctx, docID, runID, afterID)
}

// ListSince replays the run's events stamped after since.
func (f *Feed) ListSince(ctx context.Context, docID, runID string, since time.Time) ([]*domain.Event, error) {
	all, err := f.store.ListEvents(ctx, docID, runID, "")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Subscribe registers for live events of one run.
func (f *Feed) Subscribe(docID, runID string) (<-chan domain.Event, func()) {
	return f.hub.Subscribe(docID, runID)
}

// StreamOptions control Stream.
type StreamOptions struct {
	AfterID     string                   // resume after this event id
	OnEvent     func(domain.Event) error // required
	KeepAlive   time.Duration            // 0 disables keep-alives
	OnKeepAlive func() error
}

// Stream replays the run and then tails it until a terminal event is
// delivered, a callback fails or ctx ends. Every event is delivered once,
// in id order.
func (f *Feed) Stream(ctx context.Context, docID, runID string, opts StreamOptions) error {
	// Subscribe before the replay so nothing slips between the two.
	live, unsubscribe := f.Subscribe(docID, runID)
	defer unsubscribe()
	defer f.metrics.StreamOpened()()

	last := opts.AfterID
	catchUp := func() (bool, error) {
		events, err := f.store.ListEvents(ctx, docID, runID, last)
		if err != nil {
			return false, err
		}
		for _, e := range events {
			if err := opts.OnEvent(*e); err != nil {
				return true, err
			}
			last = e.ID
			if e.Type.IsTerminal() {
				return true, nil
			}
		}
		return false, nil
	}

	if done, err := catchUp(); done || err != nil {
		return err
	}

	poll := time.NewTicker(f.pollInterval)
	defer poll.Stop()

	var keepAlive <-chan time.Time
	if opts.KeepAlive > 0 && opts.OnKeepAlive != nil {
		t := time.NewTicker(opts.KeepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-live:
			if !ok {
				live = nil
				continue
			}
		case <-poll.C:
		case <-keepAlive:
			if err := opts.OnKeepAlive(); err != nil {
				return err
			}
			continue
		}
		if done, err := catchUp(); done || err != nil {
			return err
		}
	}
}

func truncated(data map[string]any) map[string]any {
	if len(data) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			v = truncate(s, MaxMessageLen)
		}
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
