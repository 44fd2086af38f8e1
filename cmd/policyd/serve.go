package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modoboa-policyd/internal/daemon"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the policy daemon in foreground",
		Long: `Run the policy daemon until SIGINT or SIGTERM.

The daemon will:
  1. Connect to the counter store
  2. Seed missing counters from the configured limits
  3. Schedule the daily reset
  4. Listen for policy requests`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			d := daemon.New(cfg, logger)
			if err := d.Start(ctx); err != nil {
				stopCtx := context.WithoutCancel(ctx)
				_ = d.Stop(stopCtx)
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			return d.Run(ctx)
		},
	}
}
