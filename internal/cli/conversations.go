package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "List or create conversations",
	}
	cmd.AddCommand(newConversationsListCmd(a), newConversationsNewCmd(a))
	return cmd
}

func newConversationsListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist, err := a.historyClient()
			if err != nil {
				return err
			}
			convs, err := hist.ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(convs)
			}
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations yet. Start one with: aichat chat")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-17s  %s\n", "ID", "UPDATED", "TITLE")
			for _, c := range convs {
				fmt.Fprintf(out, "%-36s  %-17s  %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newConversationsNewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation and print its ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := a.historyClient()
			if err != nil {
				return err
			}
			conv, err := hist.CreateConversation(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}
