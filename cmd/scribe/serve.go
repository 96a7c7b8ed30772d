package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joss/scribe/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := newCommand(CommandConfig{
		Use:   "serve",
		Short: "Serve the HTTP API and progress streams",
		Long: `Serve plans, documents, runs and server-sent progress events over HTTP.

Callers authenticate with a bearer token checked by the verifier chosen
with SCRIBE_AUTH (firebase, static or none).`,
		Args:   cobra.NoArgs,
		Action: "serve",
		RunFunc: func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			verifier, err := newVerifier(ctx, a.env)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.env.Addr
			}

			ctx, finish := a.interruptible(ctx, "http")
			defer finish()

			srv := server.New(a.ctl, verifier, server.Config{Addr: addr, KeepAlive: a.env.KeepAlive})
			return srv.Serve(ctx)
		},
	})
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default SCRIBE_ADDR)")
	return cmd
}
