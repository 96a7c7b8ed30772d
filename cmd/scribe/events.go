package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/progress"
	"github.com/joss/scribe/internal/tui"
)

// latestRun resolves an omitted run id to the document's newest run.
func latestRun(ctx context.Context, a *app, docID string, args []string) (string, error) {
	if len(args) > 1 {
		if _, err := a.ctl.Run(ctx, a.caller, docID, args[1]); err != nil {
			return "", err
		}
		return args[1], nil
	}
	ov, err := a.ctl.Status(ctx, a.caller, docID)
	if err != nil {
		return "", err
	}
	if len(ov.Runs) == 0 {
		return "", fmt.Errorf("document %s has no runs", docID)
	}
	// Run ids sort by creation time.
	latest := ov.Runs[0].ID
	for _, r := range ov.Runs[1:] {
		if r.ID > latest {
			latest = r.ID
		}
	}
	return latest, nil
}

func eventsCmd() *cobra.Command {
	var (
		after  string
		since  time.Duration
		follow bool
	)
	cmd := newCommand(CommandConfig{
		Use:   "events <doc_id> [run_id]",
		Short: "Show the progress events of a run (latest if no ID given)",
		Example: `  scribe events doc_01H...            # replay the latest run
  scribe events doc_01H... -f         # replay, then follow until the run ends
  scribe events doc_01H... --since 5m`,
		Args:   cobra.RangeArgs(1, 2),
		Action: "events",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			docID := args[0]
			runID, err := latestRun(ctx, a, docID, args)
			if err != nil {
				return err
			}
			feed := a.ctl.Feed()
			out := cmd.OutOrStdout()
			r := renderer()

			if follow {
				ctx, finish := a.interruptible(ctx, "events.follow")
				defer finish()
				err := feed.Stream(ctx, docID, runID, progress.StreamOptions{
					AfterID: after,
					OnEvent: func(e domain.Event) error {
						if jsonOut {
							return emit(out, e, "")
						}
						_, err := fmt.Fprintln(out, r.Event(&e))
						return err
					},
				})
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			var events []*domain.Event
			if since > 0 {
				events, err = feed.ListSince(ctx, docID, runID, time.Now().Add(-since))
			} else {
				events, err = feed.ListFrom(ctx, docID, runID, after)
			}
			if err != nil {
				return err
			}
			return emit(out, events, r.Events(events))
		},
	})
	cmd.Flags().StringVar(&after, "after", "", "Only events after this event ID")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 10m)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming until the run ends")
	return cmd
}

func watchCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:    "watch <doc_id> [run_id]",
		Short:  "Follow a run in an interactive progress view",
		Args:   cobra.RangeArgs(1, 2),
		Action: "watch",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			runID, err := latestRun(ctx, a, args[0], args)
			if err != nil {
				return err
			}
			final, err := tui.Watch(ctx, a.ctl.Feed(), args[0], runID)
			if err != nil {
				return err
			}
			if final.Err() != nil {
				return final.Err()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", runID, final.Status())
			return nil
		},
	})
}
