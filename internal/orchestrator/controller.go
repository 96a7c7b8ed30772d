// Package orchestrator drives a document from accepted plan to final artifact.
//
// The Controller owns every lifecycle transition of documents and runs. It has
// no background loop: callers pump a run by calling Advance repeatedly, and
// each call executes at most one unit or performs assembly.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joss/scribe/internal/assembler"
	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/executor"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/metrics"
	"github.com/joss/scribe/internal/planning"
	"github.com/joss/scribe/internal/progress"
	"github.com/joss/scribe/internal/splitter"
	"github.com/joss/scribe/internal/store"
)

// Controller coordinates planning, splitting, execution and assembly.
type Controller struct {
	store     store.Store
	plans     *planning.Service
	splitter  *splitter.Splitter
	executor  *executor.Executor
	assembler *assembler.Assembler
	feed      *progress.Feed

	flight  singleflight.Group
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records run counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New wires a controller.
func New(s store.Store, plans *planning.Service, sp *splitter.Splitter, ex *executor.Executor,
	as *assembler.Assembler, feed *progress.Feed, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		plans:     plans,
		splitter:  sp,
		executor:  ex,
		assembler: as,
		feed:      feed,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.New("controller"),
		metrics:   metrics.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plans exposes the plan service.
func (c *Controller) Plans() *planning.Service { return c.plans }

// Feed exposes the progress feed.
func (c *Controller) Feed() *progress.Feed { return c.feed }

// document loads a document owned by caller.
func (c *Controller) document(ctx context.Context, caller domain.Caller, id string) (*domain.Document, error) {
	doc, err := c.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(doc.OwnerID) {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrForbidden)
	}
	return doc, nil
}

// AcceptResult names the document created for an accepted plan.
type AcceptResult struct {
	DocumentID string `json:"documentId"`
	TocVersion int    `json:"tocVersion"`
}

// AcceptPlan marks a plan accepted and creates its document. Accepting the
// same plan again returns the document created the first time. Concurrent
// accepts of one plan share a single creation.
func (c *Controller) AcceptPlan(ctx context.Context, caller domain.Caller, planID string) (*AcceptResult, error) {
	p, err := c.plans.GetPlan(ctx, caller, planID)
	if err != nil {
		return nil, err
	}
	v, err, _ := c.flight.Do("accept/"+p.ID, func() (any, error) {
		return c.acceptPlan(context.WithoutCancel(ctx), p.ID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*AcceptResult)
	return &res, nil
}

// acceptPlan links the plan to its document id before writing the
// document, so a failed write is finished by the next accept instead of
// producing a second document.
func (c *Controller) acceptPlan(ctx context.Context, planID string) (*AcceptResult, error) {
	p, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	log := c.log.With("plan_id", planID)

	if p.DocumentID != "" {
		doc, err := c.store.GetDocument(ctx, p.DocumentID)
		if err == nil {
			return &AcceptResult{DocumentID: doc.ID, TocVersion: doc.TocVersion}, nil
		}
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("load document of plan %s: %w", planID, err)
		}
		doc = domain.NewDocument(p, c.now())
		doc.ID = p.DocumentID
		if err := c.store.CreateDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("create document: %w", err)
		}
		log.Warn("plan_document_restored", map[string]any{"document_id": doc.ID}, nil)
		return &AcceptResult{DocumentID: doc.ID, TocVersion: doc.TocVersion}, nil
	}

	now := c.now()
	if err := p.SetStatus(domain.PlanAccepted, now); err != nil {
		return nil, err
	}
	doc := domain.NewDocument(p, now)
	if err := c.plans.LinkDocument(ctx, p, doc.ID); err != nil {
		return nil, fmt.Errorf("link plan %s: %w", planID, err)
	}
	if err := c.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	log.Info("plan_accepted", map[string]any{"document_id": doc.ID, "nodes": len(doc.Outline)})
	return &AcceptResult{DocumentID: doc.ID, TocVersion: doc.TocVersion}, nil
}

// SplitOptions bounds a split.
type SplitOptions struct {
	TotalBudget int             `json:"totalBudget,omitempty" validate:"gte=0"`
	MaxUnitSize int             `json:"maxUnitSize,omitempty" validate:"gte=0"`
	Policy      splitter.Policy `json:"policy,omitempty"`
	// Force re-splits a document that was already split, failed or was
	// cancelled. All unit progress is discarded.
	Force bool `json:"force,omitempty"`
}

// Split partitions the document outline into queued subtasks and moves the
// document to split_planned.
func (c *Controller) Split(ctx context.Context, caller domain.Caller, docID string, opts SplitOptions) ([]*domain.Subtask, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}

	switch doc.Status {
	case domain.DocOutlineApproved:
	case domain.DocSplitPlanned, domain.DocFailed, domain.DocCancelled:
		if !opts.Force {
			return nil, domain.NewStateError("document", doc.ID, string(doc.Status), "split without force")
		}
		if active, err := c.activeRun(ctx, doc.ID); err != nil {
			return nil, err
		} else if active != nil {
			return nil, domain.NewStateError("document", doc.ID, "run "+active.ID+" active", "split")
		}
	default:
		return nil, domain.NewStateError("document", doc.ID, string(doc.Status), "split")
	}

	descs, err := c.splitter.Split(doc.Outline,
		splitter.Budget{Total: opts.TotalBudget, MaxUnit: opts.MaxUnitSize}, opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	now := c.now()
	subtasks := make([]*domain.Subtask, 0, len(descs))
	for _, d := range descs {
		subtasks = append(subtasks, &domain.Subtask{
			ID:          domain.NewID("st"),
			DocumentID:  doc.ID,
			Order:       d.Order,
			Range:       d.Range,
			TargetSize:  d.TargetSize,
			LengthHints: d.LengthHints,
			Status:      domain.SubtaskQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := c.store.ReplaceSubtasks(ctx, doc.ID, subtasks); err != nil {
		return nil, fmt.Errorf("persist subtasks: %w", err)
	}

	doc.ContinuityHint = opts.Policy.ContinuityHint
	if doc.ContinuityHint == "" {
		doc.ContinuityHint = splitter.DefaultContinuityHint
	}
	if err := doc.Transition(domain.DocSplitPlanned, now); err != nil {
		return nil, err
	}
	doc.UpdatedAt = now
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	c.log.With("document_id", doc.ID).Info("document_split", map[string]any{
		"units": len(subtasks), "budget": opts.TotalBudget, "max_unit": opts.MaxUnitSize, "force": opts.Force,
	})
	return subtasks, nil
}

// activeRun returns the run holding the document, if any.
func (c *Controller) activeRun(ctx context.Context, docID string) (*domain.Run, error) {
	runs, err := c.store.ListRuns(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for _, r := range runs {
		if r.Status.Active() {
			return r, nil
		}
	}
	return nil, nil
}

// Cancel stops a run at its next advance boundary. Cancelling a cancelled
// run is acknowledged without a second event; a completed run cannot be
// cancelled.
func (c *Controller) Cancel(ctx context.Context, caller domain.Caller, docID, runID string) (*domain.Run, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}
	run, err := c.store.GetRun(ctx, doc.ID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == domain.RunCancelled {
		return run, nil
	}

	now := c.now()
	if err := run.Cancel(now); err != nil {
		return nil, err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	log := c.log.With("document_id", doc.ID).With("run_id", run.ID)
	if err := doc.Transition(domain.DocCancelled, now); err != nil {
		log.Warn("document_cancel_skipped", map[string]any{"status": string(doc.Status)}, err)
	} else if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	c.metrics.RunsCancelled.Add(1)
	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventCancelled, domain.AgentControl,
		map[string]any{"message": "Run cancelled by user"})
	log.Info("run_cancelled", map[string]any{"current_order": run.CurrentSubtaskOrder})
	return run, nil
}

// Overview is everything known about one document.
type Overview struct {
	Document *domain.Document  `json:"document"`
	Subtasks []*domain.Subtask `json:"subtasks"`
	Runs     []*domain.Run     `json:"runs"`
}

// Status returns the document with its units and runs.
func (c *Controller) Status(ctx context.Context, caller domain.Caller, docID string) (*Overview, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}
	subtasks, err := c.store.ListSubtasks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	runs, err := c.store.ListRuns(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return &Overview{Document: doc, Subtasks: subtasks, Runs: runs}, nil
}

// Run loads one run of a document owned by caller.
func (c *Controller) Run(ctx context.Context, caller domain.Caller, docID, runID string) (*domain.Run, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}
	return c.store.GetRun(ctx, doc.ID, runID)
}

// Documents lists caller's documents, newest first.
func (c *Controller) Documents(ctx context.Context, caller domain.Caller, f store.Filter) ([]*domain.Document, error) {
	return c.store.ListDocuments(ctx, caller.UserID, f)
}

// Final returns the assembled artifact of a completed document.
func (c *Controller) Final(ctx context.Context, caller domain.Caller, docID string) (*domain.Artifact, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocCompleted || doc.Final == nil {
		return nil, domain.NewStateError("document", doc.ID, string(doc.Status), "read final artifact")
	}
	return doc.Final, nil
}
