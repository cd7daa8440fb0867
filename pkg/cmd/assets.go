package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func assetsCommand(l *lazyLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect tracked asset identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, err := l.Stores().Identities().ListActive()
			if err != nil {
				return err
			}

			for _, a := range assets {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n",
					a.ID, a.Fingerprint, a.Hostname, a.IPAddress, a.OperatingSystem)
			}
			return nil
		},
	}

	cmd.AddCommand(deactivateCommand(l), historyCommand(l))
	return cmd
}

func deactivateCommand(l *lazyLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate-stale",
		Short: "Soft-deactivate assets absent from recent scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			days := l.settings().DeactivateAfterDays
			cutoff := time.Now().UTC().AddDate(0, 0, -days)

			n, err := l.Stores().Identities().DeactivateStale(cutoff)
			if err != nil {
				return err
			}
			log.Info().Int64("assets", n).Int("days", days).Msg("stale assets deactivated")
			return nil
		},
	}
}

func historyCommand(l *lazyLoader) *cobra.Command {
	var assetID uint

	cmd := &cobra.Command{
		Use:   "history --id <asset>",
		Short: "Show the change history of one asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := l.Stores().Identities().History(assetID)
			if err != nil {
				return err
			}

			for _, c := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%q -> %q\n",
					c.ObservedAt.Format(time.RFC3339), c.Field, c.OldValue, c.NewValue)
			}
			return nil
		},
	}

	cmd.Flags().UintVar(&assetID, "id", 0, "Asset id")
	cmd.MarkFlagRequired("id")
	return cmd
}
