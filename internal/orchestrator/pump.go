package orchestrator

import (
	"context"
	"time"

	"github.com/joss/scribe/internal/domain"
)

// Pump defaults.
const (
	DefaultTransientRetries = 3
	DefaultBackoff          = 2 * time.Second
)

// RunOptions configures RunToCompletion.
type RunOptions struct {
	Resume bool
	RunID  string
	// MaxTransientRetries bounds consecutive transient failures.
	MaxTransientRetries int
	Backoff             time.Duration
	// OnStep is called after every advance, failed or not.
	OnStep func(res *AdvanceResult, err error)
}

// RunToCompletion pumps Advance until the run completes or fails with an
// error that resuming cannot fix. Transient failures are resumed after a
// linear backoff.
func (c *Controller) RunToCompletion(ctx context.Context, caller domain.Caller, docID string, opts RunOptions) (*AdvanceResult, error) {
	if opts.MaxTransientRetries <= 0 {
		opts.MaxTransientRetries = DefaultTransientRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	adv := AdvanceOptions{Resume: opts.Resume, RunID: opts.RunID}
	failures := 0
	var last *AdvanceResult
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		res, err := c.Advance(ctx, caller, docID, adv)
		if opts.OnStep != nil {
			opts.OnStep(res, err)
		}
		if res != nil {
			last = res
			adv = AdvanceOptions{Resume: true, RunID: res.RunID}
		}

		if err == nil {
			failures = 0
			if !res.More {
				return res, nil
			}
			continue
		}

		if !domain.Transient(err) || !adv.Resume || failures >= opts.MaxTransientRetries {
			return res, err
		}
		failures++
		c.log.With("document_id", docID).Warn("advance_retrying", map[string]any{
			"run_id": adv.RunID, "failures": failures,
		}, err)

		t := time.NewTimer(time.Duration(failures) * opts.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
}
