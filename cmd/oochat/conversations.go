package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/oochat/internal/conversation"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored conversations, newest first; * marks the active one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer closeRepository(repo)

		convs := conversation.NewStore(repo)
		if err := convs.Load(ctx); err != nil {
			return err
		}
		defer func() { _ = convs.Close(ctx) }()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tAGENT\tCREATED\tTITLE")
		active := convs.Active()
		for _, c := range convs.List() {
			id := c.SessionID
			if id == active {
				id += "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, c.AgentAddress, c.CreatedAt.Format("2006-01-02 15:04"), c.Title)
		}
		return tw.Flush()
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
}
