package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"modoboa-policyd/internal/daemon"
	"modoboa-policyd/policy/domain"
)

func newCounterCmd(opts *rootOptions) *cobra.Command {
	var set int64 = -1

	cmd := &cobra.Command{
		Use:   "counter <identity>",
		Short: "Show (or set) the remaining messages of a domain or account",
		Example: `  policyd counter test.com
  policyd counter user@test.com --set 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := domain.NormalizeKey(args[0])
			if key == "" {
				return fmt.Errorf("identity is required")
			}

			cfg, logger, err := opts.loadShared("counter")
			if err != nil {
				return err
			}

			d := daemon.New(cfg, logger)
			defer func() { _ = d.Close() }()
			if err := d.Open(cmd.Context()); err != nil {
				return err
			}
			store := d.Store()

			if cmd.Flags().Changed("set") {
				if set < 0 {
					return fmt.Errorf("--set must be >= 0")
				}
				if err := store.Set(cmd.Context(), key, set); err != nil {
					return err
				}
			}

			v, found, err := store.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unlimited\n", key)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", key, v)
			return nil
		},
	}
	cmd.Flags().Int64Var(&set, "set", -1, "overwrite the counter with this value")
	return cmd
}
