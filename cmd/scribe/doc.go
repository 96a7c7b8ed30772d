package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/orchestrator"
	"github.com/joss/scribe/internal/render"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/tui"
)

func docCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "doc",
		Short:   "Split, write and assemble documents",
		Aliases: []string{"document"},
	}
	cmd.AddCommand(
		docSplitCmd(),
		docAdvanceCmd(),
		docRunCmd(),
		docCancelCmd(),
		docStatusCmd(),
		docFinalCmd(),
		docListCmd(),
	)
	return cmd
}

// parseCohesion reads groups written as "a,b;c,d".
func parseCohesion(s string) [][]string {
	var groups [][]string
	for _, g := range strings.Split(s, ";") {
		var ids []string
		for _, id := range strings.Split(g, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			groups = append(groups, ids)
		}
	}
	return groups
}

func docSplitCmd() *cobra.Command {
	var (
		opts       orchestrator.SplitOptions
		cohesion   string
		policyFile string
	)
	cmd := newCommand(CommandConfig{
		Use:   "split <doc_id>",
		Short: "Partition the outline into units",
		Long: `Partition the document outline into ordered units sized to the budget.

Cohesion groups name node ids that must be written together, either with
--cohesion "n1,n2;n4,n5" or in a YAML policy file:

  cohesion:
    - [n1, n2]
  continuity_hint: Keep one running example throughout.
  split_oversized: true

A node is one unit unless --split-oversized is given, which breaks a node
larger than --max-unit into groups of its points.`,
		Args:   cobra.ExactArgs(1),
		Action: "doc.split",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if policyFile != "" {
				data, err := os.ReadFile(policyFile)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &opts.Policy); err != nil {
					return fmt.Errorf("parse %s: %w", policyFile, err)
				}
			}
			if cohesion != "" {
				opts.Policy.Cohesion = append(opts.Policy.Cohesion, parseCohesion(cohesion)...)
			}
			if opts.TotalBudget == 0 {
				opts.TotalBudget = a.env.DefaultBudget
			}

			subtasks, err := a.ctl.Split(ctx, a.caller, args[0], opts)
			if err != nil {
				return err
			}

			return emit(cmd.OutOrStdout(), subtasks, renderer().Split(args[0], subtasks))
		},
	})
	cmd.Flags().IntVar(&opts.TotalBudget, "budget", 0, "Total document size in tokens (default SCRIBE_DEFAULT_BUDGET)")
	cmd.Flags().IntVar(&opts.MaxUnitSize, "max-unit", 0, "Per-unit size cap in tokens")
	cmd.Flags().StringVar(&cohesion, "cohesion", "", `Node groups kept in one unit, e.g. "n1,n2;n4,n5"`)
	cmd.Flags().StringVar(&opts.Policy.ContinuityHint, "hint", "", "Continuity guidance for the writer")
	cmd.Flags().BoolVar(&opts.Policy.SplitOversized, "split-oversized", false, "Split nodes larger than --max-unit by points")
	cmd.Flags().StringVar(&policyFile, "policy", "", "YAML file with cohesion groups and hint")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Re-split a split, failed or cancelled document")
	return cmd
}

func advanceLine(res *orchestrator.AdvanceResult) string {
	if res.Status == domain.RunCompleted {
		return fmt.Sprintf("COMPLETED: run %s, %d units assembled (%s)\n", res.RunID, res.TotalSubtasks, render.Truncate(res.Final.Hash, 12))
	}
	return fmt.Sprintf("%s %s  run %s\n", render.Progress(res.CurrentSubtaskOrder, res.TotalSubtasks, 20), res.Status, res.RunID)
}

func docAdvanceCmd() *cobra.Command {
	var opts orchestrator.AdvanceOptions
	cmd := newCommand(CommandConfig{
		Use:    "advance <doc_id>",
		Short:  "Write the next unit, or assemble when all are written",
		Args:   cobra.ExactArgs(1),
		Action: "doc.advance",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if opts.RunID != "" {
				opts.Resume = true
			}
			res, err := a.ctl.Advance(ctx, a.caller, args[0], opts)
			if err != nil {
				if res != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "run %s stopped at unit %d/%d; retry with --resume\n",
						res.RunID, res.CurrentSubtaskOrder, res.TotalSubtasks)
				}
				return describe(err)
			}
			return emit(cmd.OutOrStdout(), res, advanceLine(res))
		},
	})
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Continue the latest run instead of starting one")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "Run to continue (implies --resume)")
	return cmd
}

func docRunCmd() *cobra.Command {
	var opts orchestrator.RunOptions
	cmd := newCommand(CommandConfig{
		Use:   "run <doc_id>",
		Short: "Advance until the document is assembled",
		Long: `Advance repeatedly until the run completes. Transient failures are
resumed after a backoff; retry exhaustion, assembly failures and
cancellation stop the loop.`,
		Args:   cobra.ExactArgs(1),
		Action: "doc.run",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ctx, finish := a.interruptible(ctx, "doc.run")
			defer finish()

			if opts.RunID != "" {
				opts.Resume = true
			}
			out := cmd.OutOrStdout()
			var quiet atomic.Bool
			quiet.Store(jsonOut)
			opts.OnStep = func(res *orchestrator.AdvanceResult, err error) {
				if quiet.Load() || res == nil {
					return
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "unit %d/%d failed: %v\n", res.CurrentSubtaskOrder+1, res.TotalSubtasks, err)
					return
				}
				fmt.Fprint(out, advanceLine(res))
			}

			if !jsonOut && pretty && term.IsTerminal(int(os.Stdout.Fd())) {
				quiet.Store(true)
				return runWithView(ctx, a, args[0], opts, &quiet)
			}

			res, err := a.ctl.RunToCompletion(ctx, a.caller, args[0], opts)
			if err != nil {
				return describe(err)
			}
			if jsonOut {
				return emit(out, res, "")
			}
			return nil
		},
	})
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Continue the latest run instead of starting one")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "Run to continue (implies --resume)")
	cmd.Flags().IntVar(&opts.MaxTransientRetries, "retries", orchestrator.DefaultTransientRetries, "Consecutive transient failures to resume")
	cmd.Flags().DurationVar(&opts.Backoff, "backoff", orchestrator.DefaultBackoff, "Backoff step between resumes")
	return cmd
}

// runWithView pumps the run in the background and follows it in the
// interactive view. If the view closes on an error event while the pump
// resumes, progress falls back to plain lines.
func runWithView(ctx context.Context, a *app, docID string, opts orchestrator.RunOptions, quiet *atomic.Bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := make(chan string, 1)
	onStep := opts.OnStep
	opts.OnStep = func(res *orchestrator.AdvanceResult, err error) {
		if res != nil {
			select {
			case started <- res.RunID:
			default:
			}
		}
		onStep(res, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.ctl.RunToCompletion(ctx, a.caller, docID, opts)
		done <- err
	}()

	var runID string
	select {
	case runID = <-started:
	case err := <-done:
		// Failed before any run existed.
		return describe(err)
	}

	final, err := tui.Watch(ctx, a.ctl.Feed(), docID, runID)
	if err != nil || final.Quitting() {
		cancel()
	}
	quiet.Store(false)
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		return describe(runErr)
	}
	return err
}

// describe appends assembly issues to the error text.
func describe(err error) error {
	var asm *domain.AssemblyError
	if !errors.As(err, &asm) {
		return err
	}
	var sb strings.Builder
	sb.WriteString(domain.ErrAssemblyValidationFailed.Error())
	for _, is := range asm.Issues {
		if is.Order > 0 {
			fmt.Fprintf(&sb, "\n  - [%s] unit %d: %s", is.Kind, is.Order, is.Message)
		} else {
			fmt.Fprintf(&sb, "\n  - [%s] %s", is.Kind, is.Message)
		}
	}
	return fmt.Errorf("%s", sb.String())
}

func docCancelCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:    "cancel <doc_id> [run_id]",
		Short:  "Cancel a run (the active one if no ID given)",
		Args:   cobra.RangeArgs(1, 2),
		Action: "doc.cancel",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) > 1 {
				runID = args[1]
			} else {
				ov, err := a.ctl.Status(ctx, a.caller, args[0])
				if err != nil {
					return err
				}
				for _, r := range ov.Runs {
					if r.Status.Active() {
						runID = r.ID
					}
				}
				if runID == "" {
					return fmt.Errorf("document %s has no active run", args[0])
				}
			}
			run, err := a.ctl.Cancel(ctx, a.caller, args[0], runID)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), run, renderer().Run(run))
		},
	})
}

func docStatusCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:     "status <doc_id>",
		Short:   "Show a document with its units and runs",
		Aliases: []string{"show"},
		Args:    cobra.ExactArgs(1),
		Action:  "doc.status",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ov, err := a.ctl.Status(ctx, a.caller, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), ov, renderer().Overview(ov.Document, ov.Subtasks, ov.Runs))
		},
	})
}

func docFinalCmd() *cobra.Command {
	var format, out string
	cmd := newCommand(CommandConfig{
		Use:     "final <doc_id>",
		Short:   "Print the assembled document",
		Aliases: []string{"export"},
		Args:    cobra.ExactArgs(1),
		Action:  "doc.final",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			art, err := a.ctl.Final(ctx, a.caller, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			switch format {
			case "html":
				_, err = fmt.Fprint(w, art.HTML)
			case "json":
				jsonOut = true
				err = emit(w, art, "")
			default:
				_, err = fmt.Fprint(w, art.Content)
			}
			return err
		},
	})
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "Output format: markdown (md), html or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	return cmd
}

func docListCmd() *cobra.Command {
	var limit, offset int
	cmd := newCommand(CommandConfig{
		Use:     "list",
		Short:   "List documents, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		Action:  "doc.list",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			docs, err := a.ctl.Documents(ctx, a.caller, store.Filter{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), docs, renderer().Documents(docs))
		},
	})
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum documents to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many documents")
	return cmd
}
