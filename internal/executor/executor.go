// Package executor runs exactly one work unit against the generative backend.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/metrics"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/pkg/llm"
)

// Config tunes unit execution.
type Config struct {
	MaxRetries       int
	BackendTimeout   time.Duration
	LeaseTimeout     time.Duration // in-progress leases older than this may be reclaimed
	ContinuityTokens int
	Temperature      float64
	Model            string
	MaxTokens        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BackendTimeout:   120 * time.Second,
		LeaseTimeout:     240 * time.Second,
		ContinuityTokens: 500,
		Temperature:      0.6,
	}
}

// Unit is one subtask together with what its prompt needs.
type Unit struct {
	Document *domain.Document
	Subtask  *domain.Subtask
	Previous *domain.Subtask // the unit at Order-1, nil for the first
	Total    int
}

// Executor executes units. It is safe for concurrent use; the store claim
// guarantees a unit runs at most once at a time.
type Executor struct {
	store   store.SubtaskStore
	backend llm.Provider
	cfg     Config
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for lease checks.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMetrics records backend and unit counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
func New(s store.SubtaskStore, backend llm.Provider, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * cfg.BackendTimeout
	}
	if cfg.ContinuityTokens <= 0 {
		cfg.ContinuityTokens = def.ContinuityTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	e := &Executor{
		store:   s,
		backend: backend,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.New("executor"),
		metrics: metrics.Global(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Execute runs u.Subtask once. A completed unit is returned unchanged. A unit
// that used all its attempts fails with ErrRetryLimitExceeded without a
// backend call. Any other failure marks the unit failed and returns a
// *domain.UnitError.
func (e *Executor) Execute(ctx context.Context, u Unit) (*domain.Subtask, error) {
	doc, st := u.Document, u.Subtask
	if st.Status == domain.SubtaskCompleted {
		return st, nil
	}
	if st.Attempts >= e.cfg.MaxRetries {
		return nil, unitError(st, domain.ErrRetryLimitExceeded,
			fmt.Errorf("%d of %d attempts used", st.Attempts, e.cfg.MaxRetries))
	}

	staleBefore := e.now().Add(-e.cfg.LeaseTimeout)
	claimed, err := e.store.ClaimSubtask(ctx, doc.ID, st.ID, st.Attempts, staleBefore)
	if err != nil {
		if store.IsConflict(err) {
			return nil, unitError(st, domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("claim subtask %d: %w", st.Order, err)
	}

	log := e.log.With("document_id", doc.ID).With("order", st.Order)
	log.Debug("unit_claimed", map[string]any{"attempt": claimed.Attempts})

	res, err := e.generate(ctx, u, claimed)
	if err != nil {
		e.metrics.RecordSubtask(false)
		// Record the failure even when the caller's context is gone.
		if _, ferr := e.store.FailSubtask(context.WithoutCancel(ctx), doc.ID, st.ID, err.Error()); ferr != nil {
			log.Error("unit_fail_record", nil, ferr)
		}
		log.Warn("unit_failed", map[string]any{"attempt": claimed.Attempts}, err)
		return nil, err
	}

	done, err := e.store.CompleteSubtask(ctx, doc.ID, st.ID, res)
	if err != nil {
		if store.IsConflict(err) {
			return nil, unitError(st, domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("complete subtask %d: %w", st.Order, err)
	}
	e.metrics.RecordSubtask(true)
	log.Info("unit_completed", map[string]any{"attempt": done.Attempts, "chars": len(res.Content)})
	return done, nil
}

func (e *Executor) generate(ctx context.Context, u Unit, st *domain.Subtask) (*domain.SubtaskResult, error) {
	var cont string
	if st.Order > 1 && u.Previous != nil && u.Previous.Result != nil {
		cont = Continuity(u.Previous.Result.Content, e.cfg.ContinuityTokens)
	}

	req := &llm.Request{
		Model:       e.cfg.Model,
		System:      systemPrompt,
		Prompt:      buildPrompt(promptInput{Doc: u.Document, Subtask: st, Total: u.Total, Continuity: cont}),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		JSON:        true,
		Tag:         llm.TagWrite,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.backend.Generate(callCtx, req)
	e.metrics.RecordBackendCall(err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("backend timed out after %s: %w", e.cfg.BackendTimeout, err)
		}
		return nil, unitError(st, domain.ErrBackendFailure, err)
	}

	res, err := parseUnit(resp.Text)
	if err != nil {
		return nil, unitError(st, domain.ErrMalformedResponse, err)
	}
	res.Tokens = resp.OutputTokens
	return res, nil
}

func unitError(st *domain.Subtask, kind, err error) *domain.UnitError {
	return &domain.UnitError{SubtaskID: st.ID, Order: st.Order, Kind: kind, Err: err}
}
