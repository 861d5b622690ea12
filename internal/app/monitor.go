package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/incident-remediator/internal/config"
	"github.com/bissquit/incident-remediator/internal/monitor"
	"github.com/bissquit/incident-remediator/internal/secrets"
)

// NewMonitor builds a standalone fleet monitor from cfg.
func NewMonitor(ctx context.Context, cfg *config.Config) (*monitor.Monitor, error) {
	slog.SetDefault(initLogger(cfg.Log))

	store, err := secrets.New(ctx, secrets.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create secret store: %w", err)
	}

	tickets, err := newTicketClient(store, cfg.Ticketing)
	if err != nil {
		return nil, err
	}

	return monitor.New(
		monitor.Config{Interval: cfg.Monitor.Interval, Servers: cfg.Monitor.Servers},
		monitor.NewSSHProber(cfg.Monitor.SSH, store),
		tickets,
	), nil
}
