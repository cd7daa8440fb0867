package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func groupsCommand(l *lazyLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List business groups and their member assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			memberships, err := l.Stores().Metrics().GroupMemberships()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(memberships))
			for name := range memberships {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d assets\n", name, len(memberships[name]))
				for _, id := range memberships[name] {
					a, err := l.Stores().Identities().Get(id)
					if err != nil {
						return err
					}
					if a == nil {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %d\t%s\t%s\n", a.ID, a.Hostname, a.IPAddress)
				}
			}
			return nil
		},
	}
}
