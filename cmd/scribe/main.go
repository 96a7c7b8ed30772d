// Package main provides the scribe CLI entrypoint.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/scribe/internal/config"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/render"
)

var (
	version   = "0.1.0"
	pretty    = true
	jsonOut   bool
	logCloser io.Closer
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scribe",
		Short: "Plan, write and assemble long documents with a generative backend",
		Long: `scribe turns an outline into a finished document.

Workflow:
  scribe plan create outline.yaml   Store an outline (or: scribe plan propose)
  scribe plan accept <plan_id>      Create the document
  scribe doc split <doc_id>         Partition the outline into units
  scribe doc run <doc_id>           Write every unit and assemble
  scribe doc final <doc_id>         Print the result

Use 'scribe serve' to expose the same operations over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Env()
			if err != nil {
				return err
			}
			logCloser, err = logging.Setup(logging.Config{
				Level:      env.LogLevel,
				Format:     env.LogFormat,
				File:       env.LogFile,
				MaxSizeMB:  env.LogMaxSizeMB,
				MaxBackups: env.LogMaxBackups,
				MaxAgeDays: env.LogMaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("set up logging: %w", err)
			}
			if !cmd.Flags().Changed("pretty") {
				pretty = term.IsTerminal(int(os.Stdout.Fd()))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	root.PersistentFlags().BoolVar(&pretty, "pretty", true, "Colored output (default when stdout is a terminal)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	root.AddGroup(
		&cobra.Group{ID: "plan", Title: "Planning:"},
		&cobra.Group{ID: "write", Title: "Writing:"},
		&cobra.Group{ID: "runtime", Title: "Runtime:"},
	)

	plan := planCmd()
	plan.GroupID = "plan"
	root.AddCommand(plan)

	doc := docCmd()
	doc.GroupID = "write"
	root.AddCommand(doc)

	events := eventsCmd()
	events.GroupID = "write"
	root.AddCommand(events)

	watch := watchCmd()
	watch.GroupID = "write"
	root.AddCommand(watch)

	serve := serveCmd()
	serve.GroupID = "runtime"
	root.AddCommand(serve)

	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show scribe version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scribe version %s\n", version)
		},
	}
}

func renderer() *render.Renderer {
	return render.New(pretty)
}
