package main

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Print a fresh conversation ID",
		Long:  "Prints a new random conversation ID. The conversation is stored once its first message is sent.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		},
	}
}

func newListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.index.List(cmd.Context(), a.userID())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAST ACTIVITY\tTITLE")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.LastActivityAt.Local().Format(time.DateTime), truncate(c.Title, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the turns of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.ledger.ListByConversation(cmd.Context(), a.userID(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(turns) == 0 {
				fmt.Fprintf(out, "No turns in conversation %s.\n", args[0])
				return nil
			}
			for _, t := range turns {
				fmt.Fprintf(out, "[%s] %s: %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Role, t.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "rm <conversation-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ledger.DeleteConversation(cmd.Context(), a.userID(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	return cmd
}

func newClearCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation of the configured user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "Delete all conversations for user %s? [y/N] ", a.userID())
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			if err := a.ledger.ClearUser(cmd.Context(), a.userID()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Cleared history for user %s\n", a.userID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
