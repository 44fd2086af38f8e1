package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"modoboa-policyd/internal/daemon"
	"modoboa-policyd/policy/domain"
	"modoboa-policyd/policy/infra"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how many requests were allowed and denied",
		Example: `  policyd stats
  policyd stats --day 2024-01-15`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.loadShared("stats")
			if err != nil {
				return err
			}

			d := daemon.New(cfg, logger)
			defer func() { _ = d.Close() }()
			if err := d.Open(cmd.Context()); err != nil {
				return err
			}

			var sum infra.StatsSummary
			if cmd.Flags().Changed("day") {
				at, perr := time.Parse(time.DateOnly, day)
				if perr != nil {
					return fmt.Errorf("invalid --day %q (want YYYY-MM-DD): %w", day, perr)
				}
				sum, err = d.StatsOn(cmd.Context(), at)
			} else {
				sum, err = d.Stats(cmd.Context())
			}
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "show a single day (UTC) instead of the running total")
	return cmd
}

func printSummary(w io.Writer, sum infra.StatsSummary) {
	fmt.Fprintf(w, "%-8s allowed=%d denied=%d\n", "total", sum.Total.Allowed, sum.Total.Denied)

	kinds := make([]string, 0, len(sum.ByKind))
	for k := range sum.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		c := sum.ByKind[domain.Kind(k)]
		fmt.Fprintf(w, "%-8s allowed=%d denied=%d\n", k, c.Allowed, c.Denied)
	}
}
