package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vulntrail"
)

func metricsCommand(l *lazyLoader) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "metrics [--json]",
		Short: "Compute and store a metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			agg := vulntrail.NewAggregator(l.Stores().Metrics())
			report, err := agg.Snapshot(time.Now().UTC(), l.settings().MetricsWindowDays)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
			}

			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")
	return cmd
}

func printReport(cmd *cobra.Command, report *vulntrail.MetricsReport) {
	categories := make([]string, 0, len(report.Categories))
	for c := range report.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, c := range categories {
		fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", c)

		names := make([]string, 0, len(report.Categories[c]))
		for n := range report.Categories[c] {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, n := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-32s %.2f\n", n, report.Categories[c][n])
		}
	}

	for _, name := range report.Undefined {
		fmt.Fprintf(cmd.OutOrStdout(), "%-34s no data\n", name)
	}
}
