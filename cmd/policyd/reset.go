package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"modoboa-policyd/internal/daemon"
)

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset every counter to its configured limit once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.loadShared("reset")
			if err != nil {
				return err
			}

			d := daemon.New(cfg, logger)
			defer func() { _ = d.Close() }()
			if err := d.Open(cmd.Context()); err != nil {
				return err
			}

			n, err := d.ResetNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d counters reset\n", n)
			return nil
		},
	}
}
