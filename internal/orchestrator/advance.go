package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/executor"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/store"
)

// AdvanceOptions selects the run to advance.
type AdvanceOptions struct {
	// Resume continues an existing run instead of starting a new one.
	Resume bool `json:"resume"`
	// RunID names the run to resume. Empty means the latest run.
	RunID string `json:"runId,omitempty"`
}

// AdvanceResult reports the run after one step.
type AdvanceResult struct {
	RunID               string           `json:"runId"`
	Status              domain.RunStatus `json:"status"`
	CurrentSubtaskOrder int              `json:"currentSubtaskOrder"`
	TotalSubtasks       int              `json:"totalSubtasks"`
	// More is true while units remain to be written.
	More  bool             `json:"more"`
	Final *domain.Artifact `json:"final,omitempty"`
}

func resultOf(r *domain.Run, more bool) *AdvanceResult {
	return &AdvanceResult{
		RunID:               r.ID,
		Status:              r.Status,
		CurrentSubtaskOrder: r.CurrentSubtaskOrder,
		TotalSubtasks:       r.TotalSubtasks,
		More:                more,
	}
}

type flightResult struct {
	res *AdvanceResult
	err error
}

// Advance executes the next unit of a run, or assembles the document when
// every unit is complete. When the step fails after a run exists, the result
// still names the run so the caller can resume it.
//
// Concurrent calls for the same run within this process share one
// execution and one result. The shared step outlives any single caller's
// context; the executor's backend timeout bounds it.
func (c *Controller) Advance(ctx context.Context, caller domain.Caller, docID string, opts AdvanceOptions) (*AdvanceResult, error) {
	if _, err := c.document(ctx, caller, docID); err != nil {
		return nil, err
	}
	c.metrics.Advances.Add(1)

	key := "new/" + docID
	if opts.Resume {
		key = "resume/" + docID + "/" + opts.RunID
	}
	v, _, shared := c.flight.Do(key, func() (any, error) {
		res, err := c.advance(context.WithoutCancel(ctx), caller, docID, opts)
		return flightResult{res: res, err: err}, nil
	})
	if shared {
		c.metrics.AdvancesCoalesced.Add(1)
	}

	fr := v.(flightResult)
	if fr.res == nil {
		return nil, fr.err
	}
	out := *fr.res
	return &out, fr.err
}

func (c *Controller) advance(ctx context.Context, caller domain.Caller, docID string, opts AdvanceOptions) (*AdvanceResult, error) {
	doc, err := c.document(ctx, caller, docID)
	if err != nil {
		return nil, err
	}

	var run *domain.Run
	if opts.Resume {
		run, err = c.resumeRun(ctx, doc, opts.RunID)
		if err != nil {
			if run != nil {
				return resultOf(run, false), err
			}
			return nil, err
		}
		if run.Status == domain.RunCompleted {
			res := resultOf(run, false)
			res.Final = doc.Final
			return res, nil
		}
	} else {
		if run, err = c.startRun(ctx, doc); err != nil {
			return nil, err
		}
	}

	log := c.log.With("document_id", doc.ID).With("run_id", run.ID)
	if run.Status == domain.RunAssembling {
		return c.assemble(ctx, doc, run, log)
	}
	return c.step(ctx, doc, run, log)
}

// startRun creates a writing run. A document holds at most one active run.
func (c *Controller) startRun(ctx context.Context, doc *domain.Document) (*domain.Run, error) {
	subtasks, err := c.store.ListSubtasks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("document %s: %w", doc.ID, domain.ErrNoSubtasks)
	}
	active, err := c.activeRun(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, domain.NewStateError("document", doc.ID, "run "+active.ID+" active", "start run")
	}

	now := c.now()
	if err := doc.Transition(domain.DocWriting, now); err != nil {
		return nil, err
	}
	run := domain.NewRun(doc, len(subtasks), now)
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	c.metrics.RunsStarted.Add(1)
	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventPlanned, domain.AgentWriter,
		map[string]any{"totalSubtasks": run.TotalSubtasks})
	c.log.With("document_id", doc.ID).With("run_id", run.ID).Info("run_started", map[string]any{"total": run.TotalSubtasks})
	return run, nil
}

// resumeRun loads a run and decides whether it may continue. Completed runs
// come back unchanged; fatal failures are reported again.
func (c *Controller) resumeRun(ctx context.Context, doc *domain.Document, runID string) (*domain.Run, error) {
	if runID == "" {
		runs, err := c.store.ListRuns(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			return nil, store.NewNotFoundError("run", "latest of "+doc.ID)
		}
		runID = runs[len(runs)-1].ID
	}
	run, err := c.store.GetRun(ctx, doc.ID, runID)
	if err != nil {
		return nil, err
	}

	switch {
	case run.Status == domain.RunCompleted:
		return run, nil
	case run.Status == domain.RunCancelled:
		return run, domain.NewStateError("run", run.ID, string(run.Status), "resume")
	case run.Fatal():
		return run, fatalError(run)
	case run.Status == domain.RunFailed:
		now := c.now()
		if err := run.Resume(now); err != nil {
			return run, err
		}
		if err := doc.Transition(domain.DocWriting, now); err != nil {
			return run, err
		}
		if err := c.store.UpdateRun(ctx, run); err != nil {
			return run, fmt.Errorf("update run: %w", err)
		}
		if err := c.store.UpdateDocument(ctx, doc); err != nil {
			return run, fmt.Errorf("update document: %w", err)
		}
		c.log.With("document_id", doc.ID).With("run_id", run.ID).Info("run_resumed", map[string]any{"order": run.CurrentSubtaskOrder})
	}
	return run, nil
}

// fatalError rebuilds the error a fatal run failed with.
func fatalError(run *domain.Run) error {
	if run.FailureKind == domain.FailureAssembly {
		return &domain.AssemblyError{Issues: run.Issues}
	}
	return fmt.Errorf("run %s: %w: %s", run.ID, domain.ErrRetryLimitExceeded, run.Error)
}

// step executes the lowest-order unit that is not complete.
func (c *Controller) step(ctx context.Context, doc *domain.Document, run *domain.Run, log *logging.Logger) (*AdvanceResult, error) {
	subtasks, err := c.store.ListSubtasks(ctx, doc.ID)
	if err != nil {
		return resultOf(run, true), fmt.Errorf("list subtasks: %w", err)
	}
	if len(subtasks) == 0 {
		return resultOf(run, false), fmt.Errorf("document %s: %w", doc.ID, domain.ErrNoSubtasks)
	}
	// A forced re-split may have changed the unit count under a failed run.
	run.TotalSubtasks = len(subtasks)

	idx := -1
	for i, st := range subtasks {
		if st.Status != domain.SubtaskCompleted {
			idx = i
			break
		}
	}
	if idx < 0 {
		return c.assemble(ctx, doc, run, log)
	}

	next := subtasks[idx]
	cfg := c.executor.Config()
	if next.Status == domain.SubtaskInProgress && !next.Stale(c.now().Add(-cfg.LeaseTimeout)) {
		return resultOf(run, true), &domain.UnitError{
			SubtaskID: next.ID, Order: next.Order, Kind: domain.ErrConflict,
			Err: errors.New("unit is being written by another advance"),
		}
	}
	if next.Attempts >= cfg.MaxRetries {
		return c.retryLimit(ctx, doc, run, next, log)
	}

	var prev *domain.Subtask
	if idx > 0 && subtasks[idx-1].Order == next.Order-1 {
		prev = subtasks[idx-1]
	}

	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventSubtaskStarted, domain.AgentWriter, map[string]any{
		"subtaskId": next.ID, "order": next.Order, "totalSubtasks": run.TotalSubtasks, "attempt": next.Attempts + 1,
	})

	start := time.Now()
	done, execErr := c.executor.Execute(ctx, executor.Unit{Document: doc, Subtask: next, Previous: prev, Total: run.TotalSubtasks})

	// Bookkeeping survives a caller that went away mid-unit.
	bctx := context.WithoutCancel(ctx)

	// Cancellation is cooperative: whatever the unit produced stays stored.
	if cur, err := c.store.GetRun(bctx, doc.ID, run.ID); err == nil && cur.Status == domain.RunCancelled {
		log.Info("run_cancelled_mid_unit", map[string]any{"order": next.Order, "unit_ok": execErr == nil})
		return resultOf(cur, false), domain.NewStateError("run", cur.ID, string(cur.Status), "advance")
	}

	if execErr != nil {
		switch {
		case errors.Is(execErr, domain.ErrConflict):
			log.Warn("unit_claim_lost", map[string]any{"order": next.Order}, execErr)
			return resultOf(run, true), execErr
		case errors.Is(execErr, domain.ErrRetryLimitExceeded):
			return c.retryLimit(bctx, doc, run, next, log)
		}
		return c.failRun(bctx, doc, run, next, execErr, log)
	}

	now := c.now()
	run.Progress(done.Order, now)
	if err := c.store.UpdateRun(bctx, run); err != nil {
		return resultOf(run, true), fmt.Errorf("update run: %w", err)
	}
	c.feed.Emit(bctx, doc.ID, run.ID, domain.EventSubtaskComplete, domain.AgentWriter, map[string]any{
		"subtaskId": done.ID, "order": done.Order, "totalSubtasks": run.TotalSubtasks,
	})
	log.TimedEvent("unit_advanced", start, map[string]any{"order": done.Order, "total": run.TotalSubtasks})

	if idx == len(subtasks)-1 {
		return c.assemble(bctx, doc, run, log)
	}
	return resultOf(run, true), nil
}

// retryLimit gives up on a unit that used all its attempts. The run fails
// fatally and only a re-split can recover the document.
func (c *Controller) retryLimit(ctx context.Context, doc *domain.Document, run *domain.Run, st *domain.Subtask, log *logging.Logger) (*AdvanceResult, error) {
	const reason = "max retries exceeded"
	if _, err := c.store.FailSubtask(ctx, doc.ID, st.ID, reason); err != nil {
		log.Error("unit_fail_record", map[string]any{"order": st.Order}, err)
	}
	unitErr := &domain.UnitError{
		SubtaskID: st.ID, Order: st.Order, Kind: domain.ErrRetryLimitExceeded,
		Err: fmt.Errorf("%d attempts used", st.Attempts),
	}
	c.metrics.RetryLimitHits.Add(1)
	return c.failRun(ctx, doc, run, st, unitErr, log)
}

// failRun records a unit failure on the run and the document.
func (c *Controller) failRun(ctx context.Context, doc *domain.Document, run *domain.Run, st *domain.Subtask, cause error, log *logging.Logger) (*AdvanceResult, error) {
	now := c.now()
	kind := domain.KindOf(cause)
	if err := run.Fail(kind, cause.Error(), nil, now); err != nil {
		return resultOf(run, false), err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return resultOf(run, false), fmt.Errorf("update run: %w", err)
	}
	if err := c.markDocument(ctx, doc, domain.DocFailed, now); err != nil {
		log.Error("document_fail_record", nil, err)
	}

	c.metrics.RunsFailed.Add(1)
	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventError, domain.AgentWriter, map[string]any{
		"message": cause.Error(), "kind": string(kind), "subtaskId": st.ID, "order": st.Order,
	})
	log.Warn("run_failed", map[string]any{"order": st.Order, "kind": string(kind), "fatal": run.Fatal()}, cause)
	return resultOf(run, false), cause
}

// assemble merges the completed units into the final artifact.
func (c *Controller) assemble(ctx context.Context, doc *domain.Document, run *domain.Run, log *logging.Logger) (*AdvanceResult, error) {
	now := c.now()
	if err := run.StartAssembly(now); err != nil {
		return resultOf(run, false), err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return resultOf(run, false), fmt.Errorf("update run: %w", err)
	}
	if err := c.markDocument(ctx, doc, domain.DocAssembling, now); err != nil {
		return resultOf(run, false), err
	}
	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventAssembled, domain.AgentAssembler,
		map[string]any{"totalSubtasks": run.TotalSubtasks})

	subtasks, err := c.store.ListSubtasks(ctx, doc.ID)
	if err != nil {
		return resultOf(run, false), fmt.Errorf("list subtasks: %w", err)
	}

	start := time.Now()
	art, issues := c.assembler.Assemble(subtasks)
	c.metrics.RecordAssembly(len(issues) == 0)
	if len(issues) > 0 {
		asmErr := &domain.AssemblyError{Issues: issues}
		now = c.now()
		if err := run.Fail(domain.FailureAssembly, asmErr.Error(), issues, now); err != nil {
			return resultOf(run, false), err
		}
		if err := c.store.UpdateRun(ctx, run); err != nil {
			return resultOf(run, false), fmt.Errorf("update run: %w", err)
		}
		if err := c.markDocument(ctx, doc, domain.DocFailed, now); err != nil {
			log.Error("document_fail_record", nil, err)
		}
		c.metrics.RunsFailed.Add(1)
		c.feed.Emit(ctx, doc.ID, run.ID, domain.EventError, domain.AgentAssembler, map[string]any{
			"message": asmErr.Error(), "kind": string(domain.FailureAssembly), "issues": issues,
		})
		log.Warn("assembly_failed", map[string]any{"issues": len(issues)}, asmErr)
		return resultOf(run, false), asmErr
	}

	now = c.now()
	if err := doc.Complete(art, now); err != nil {
		return resultOf(run, false), err
	}
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return resultOf(run, false), fmt.Errorf("store artifact: %w", err)
	}
	if err := run.Complete(now); err != nil {
		return resultOf(run, false), err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return resultOf(run, false), fmt.Errorf("update run: %w", err)
	}

	c.metrics.RunsCompleted.Add(1)
	c.feed.Emit(ctx, doc.ID, run.ID, domain.EventCompleted, domain.AgentControl, map[string]any{
		"totalSubtasks": run.TotalSubtasks, "hash": art.Hash, "sections": len(art.Sections),
	})
	log.TimedEvent("run_completed", start, map[string]any{"units": art.Units, "chars": len(art.Content)})

	res := resultOf(run, false)
	res.Final = art
	return res, nil
}

// markDocument reloads the document and moves it to status. Reloading keeps
// a concurrent cancel from being overwritten by a stale copy.
func (c *Controller) markDocument(ctx context.Context, doc *domain.Document, status domain.DocumentStatus, now time.Time) error {
	fresh, err := c.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if err := fresh.Transition(status, now); err != nil {
		return err
	}
	if err := c.store.UpdateDocument(ctx, fresh); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	*doc = *fresh
	return nil
}
