package main

import (
	"os"

	"github.com/bissquit/incident-remediator/internal/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "remediator",
	Short: "Automated remediation for unreachable servers",
	Long: `remediator takes server-reachability incidents through analysis,
validation and procedure lookup, starts stopped instances when that is safe,
and pages the on-call human for everything else.

Configuration is read from --config and REMEDIATOR_ environment variables,
with nested keys separated by a double underscore (REMEDIATOR_SERVER__PORT).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("REMEDIATOR_CONFIG"), "Config file (YAML)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
