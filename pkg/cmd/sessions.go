package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCommand(l *lazyLoader) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "sessions [--scope]",
		Short: "List ingested scan sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := l.Stores().Sessions().List(scope)
			if err != nil {
				return err
			}

			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\thosts=%d findings=%d\n",
					s.ID, s.ScanDate.Format(time.RFC3339), s.Scope, s.Name,
					s.HostCount, s.FindingCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Limit to one scope")
	cmd.AddCommand(latestSessionCommand(l), sessionFindingsCommand(l))
	return cmd
}

func latestSessionCommand(l *lazyLoader) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "latest --scope <scope>",
		Short: "Show the most recent session of a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := l.Stores().Sessions().Latest(scope)
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\thosts=%d findings=%d\n",
				s.ID, s.ScanDate.Format(time.RFC3339), s.Scope, s.Name,
				s.HostCount, s.FindingCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Scope label")
	cmd.MarkFlagRequired("scope")
	return cmd
}

func sessionFindingsCommand(l *lazyLoader) *cobra.Command {
	var sessionID uint

	cmd := &cobra.Command{
		Use:   "findings --id <session>",
		Short: "List the findings recorded by one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := l.Stores().Findings().BySession(sessionID)
			if err != nil {
				return err
			}

			for _, f := range findings {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\tasset=%d vuln=%d\t%s\t%s\n",
					f.ID, f.AssetID, f.VulnerabilityID, f.Risk, f.Status)
			}
			return nil
		},
	}

	cmd.Flags().UintVar(&sessionID, "id", 0, "Session id")
	cmd.MarkFlagRequired("id")
	return cmd
}
