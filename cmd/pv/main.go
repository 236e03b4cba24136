package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "palaver.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pv",
		Short:         "Palaver: local-first chat history and responses",
		Long:          "Palaver keeps chat conversations in a local store and fetches one assistant reply per message.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newNewCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pv %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
