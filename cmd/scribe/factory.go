package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/scribe/internal/config"
	"github.com/joss/scribe/internal/logging"
)

// CommandFunc runs a command against an open engine.
type CommandFunc func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error

// CommandConfig holds configuration for creating standardized commands.
type CommandConfig struct {
	Use     string
	Short   string
	Long    string
	Args    cobra.PositionalArgs
	Action  string
	RunFunc CommandFunc
	Example string
	Aliases []string
}

// newCommand creates a command that opens the engine, runs, logs the
// outcome and closes the engine again.
func newCommand(cfg CommandConfig) *cobra.Command {
	return &cobra.Command{
		Use:     cfg.Use,
		Short:   cfg.Short,
		Long:    cfg.Long,
		Args:    cfg.Args,
		Example: cfg.Example,
		Aliases: cfg.Aliases,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = logging.WithRequestID(ctx, "")
			log := logging.New("cli").FromContext(ctx).With("action", cfg.Action)
			start := time.Now()

			env, err := config.Env()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, env)
			if err != nil {
				log.Error("command_failed", nil, err)
				return err
			}
			defer a.Close()

			if err := cfg.RunFunc(ctx, a, cmd, args); err != nil {
				log.Error("command_failed", nil, err)
				return err
			}
			log.TimedEvent("command_done", start, nil)
			return nil
		},
	}
}

// emit prints v as JSON when --json is set and text otherwise.
func emit(w io.Writer, v any, text string) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprint(w, text)
	return err
}
