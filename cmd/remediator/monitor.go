package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/bissquit/incident-remediator/internal/app"
	"github.com/spf13/cobra"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Probe the configured servers and open incidents for unreachable ones",
	Long: `Probe every configured server over SSH on the monitor interval. A failed
probe opens an incident unless one is already open for that server.

Examples:
  remediator monitor --config remediator.yaml
  remediator monitor --once`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Run a single sweep and print the results")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := app.NewMonitor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	if monitorOnce {
		results := m.Sweep(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", name, results[name])
		}
		return nil
	}

	m.Start(ctx)
	<-ctx.Done()
	m.Stop()
	return nil
}
