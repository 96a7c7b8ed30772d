package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/planning"
	"github.com/joss/scribe/internal/store"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create, draft and accept outlines",
	}
	cmd.AddCommand(
		planCreateCmd(),
		planProposeCmd(),
		planRefineCmd(),
		planShowCmd(),
		planListCmd(),
		planStatusCmd(),
		planAcceptCmd(),
	)
	return cmd
}

// readPlanInput loads an outline file. YAML is a superset of JSON, so both
// formats are accepted.
func readPlanInput(path string) (planning.PlanInput, error) {
	var in planning.PlanInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parse %s: %w", path, err)
	}
	return in, nil
}

func planCreateCmd() *cobra.Command {
	var file string
	cmd := newCommand(CommandConfig{
		Use:   "create -f <outline.yaml>",
		Short: "Store an outline from a YAML or JSON file",
		Long: `Store a caller-provided outline as a proposed plan.

The file holds a topic, the outline nodes and an optional estimate:

  topic:
    subject: Physics
    topic: Thermodynamics
  outline:
    - id: intro
      title: Introduction
      points: [Heat, Work]`,
		Args:   cobra.MaximumNArgs(1),
		Action: "plan.create",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if file == "" && len(args) > 0 {
				file = args[0]
			}
			if file == "" {
				return fmt.Errorf("an outline file is required (-f outline.yaml)")
			}
			in, err := readPlanInput(file)
			if err != nil {
				return err
			}
			p, err := a.ctl.Plans().CreatePlan(ctx, a.caller, in)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), p, renderer().Plan(p))
		},
	})
	cmd.Flags().StringVarP(&file, "file", "f", "", "Outline file (YAML or JSON)")
	return cmd
}

func planProposeCmd() *cobra.Command {
	var in planning.ProposeInput
	cmd := newCommand(CommandConfig{
		Use:     "propose",
		Short:   "Draft an outline with the generative backend",
		Example: `  scribe plan propose --subject Physics --topic Thermodynamics --target 8000`,
		Args:    cobra.NoArgs,
		Action:  "plan.propose",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			p, err := a.ctl.Plans().Propose(ctx, a.caller, in)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), p, renderer().Plan(p))
		},
	})
	cmd.Flags().StringVar(&in.Topic.Subject, "subject", "", "Subject area")
	cmd.Flags().StringVar(&in.Topic.Topic, "topic", "", "Document topic")
	cmd.Flags().StringVar(&in.Topic.Level, "level", "", "Audience level")
	cmd.Flags().StringVar(&in.Topic.Specification, "spec", "", "Extra specification for the writer")
	cmd.Flags().StringVar(&in.Preferences, "preferences", "", "Outline preferences")
	cmd.Flags().IntVar(&in.TargetTokens, "target", 0, "Target document size in tokens")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func planRefineCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:     "refine <plan_id> <constraints>",
		Short:   "Draft a revision of a plan under new constraints",
		Example: `  scribe plan refine pln_01H... "merge the last two chapters"`,
		Args:    cobra.ExactArgs(2),
		Action:  "plan.refine",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			p, err := a.ctl.Plans().Refine(ctx, a.caller, args[0], args[1])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), p, renderer().Plan(p))
		},
	})
}

func planShowCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:    "show [plan_id]",
		Short:  "Show plan details (latest if no ID given)",
		Args:   cobra.MaximumNArgs(1),
		Action: "plan.show",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var (
				p   *domain.Plan
				err error
			)
			if len(args) > 0 {
				p, err = a.ctl.Plans().GetPlan(ctx, a.caller, args[0])
			} else {
				var plans []*domain.Plan
				plans, err = a.ctl.Plans().ListPlans(ctx, a.caller, store.DefaultFilter().WithLimit(1))
				if err == nil && len(plans) == 0 {
					return fmt.Errorf("no plans found")
				}
				if err == nil {
					p = plans[0]
				}
			}
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), p, renderer().Plan(p))
		},
	})
}

func planListCmd() *cobra.Command {
	var limit, offset int
	cmd := newCommand(CommandConfig{
		Use:     "list",
		Short:   "List plans, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		Action:  "plan.list",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			plans, err := a.ctl.Plans().ListPlans(ctx, a.caller, store.Filter{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), plans, renderer().Plans(plans))
		},
	})
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum plans to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many plans")
	return cmd
}

func planStatusCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:    "status <plan_id> <proposed|refined|accepted>",
		Short:  "Set the status of a plan",
		Args:   cobra.ExactArgs(2),
		Action: "plan.status",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			status := domain.PlanStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("%w: unknown plan status %q", domain.ErrInvalidInput, args[1])
			}
			p, err := a.ctl.Plans().UpdatePlanStatus(ctx, a.caller, args[0], status)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), p, renderer().Plan(p))
		},
	})
}

func planAcceptCmd() *cobra.Command {
	return newCommand(CommandConfig{
		Use:    "accept <plan_id>",
		Short:  "Accept a plan and create its document",
		Args:   cobra.ExactArgs(1),
		Action: "plan.accept",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			res, err := a.ctl.AcceptPlan(ctx, a.caller, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res,
				fmt.Sprintf("ACCEPTED: %s\n  Document: %s (toc v%d)\n", args[0], res.DocumentID, res.TocVersion))
		},
	})
}
