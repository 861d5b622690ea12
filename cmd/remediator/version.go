package main

import (
	"fmt"

	"github.com/bissquit/incident-remediator/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "remediator", version.Get())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
