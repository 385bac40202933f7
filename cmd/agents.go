package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents from DIRECTORY.json and their Mattermost bot users",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.FindRoot(rootDir)
			if err != nil {
				return err
			}
			dir, err := config.LoadDirectory(root)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tBOT USER ID\tSERVER")
			for _, name := range dir.AgentNames() {
				mm := dir.Agents[name].MattermostConfig()
				if mm == nil {
					fmt.Fprintf(tw, "%s\t-\t-\n", name)
					continue
				}
				userID := mm.BotUserID
				if userID == "" {
					userID = "(resolved at startup)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, userID, mm.BaseURL)
			}
			return tw.Flush()
		},
	}
}
