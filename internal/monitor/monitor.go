// Package monitor periodically probes the server fleet and opens an incident
// for each server that stops answering SSH.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/ticketing"
)

// Result is the outcome of checking one server.
type Result string

// Check results.
const (
	ResultHealthy   Result = "healthy"
	ResultRecovered Result = "recovered"
	ResultOpened    Result = "opened"
	ResultDuplicate Result = "duplicate"
	ResultInvalid   Result = "invalid"
	ResultFailed    Result = "failed"
)

// Prober checks one server.
type Prober interface {
	Probe(ctx context.Context, server domain.Server) error
}

// IncidentTracker finds and opens incidents in the ticketing system.
type IncidentTracker interface {
	FindOpenIncident(ctx context.Context, serverName string) (ticketing.Record, error)
	CreateIncident(ctx context.Context, in ticketing.NewIncident) (ticketing.Record, error)
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration   `koanf:"interval"`
	Servers  []domain.Server `koanf:"servers" validate:"dive"`
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Monitor runs a single periodic sweep over the configured servers.
type Monitor struct {
	config  Config
	prober  Prober
	tickets IncidentTracker
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Monitor.
func New(config Config, prober Prober, tickets IncidentTracker) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		config:  config,
		prober:  prober,
		tickets: tickets,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	slog.Info("starting monitor",
		"servers", len(m.config.Servers),
		"interval", m.config.Interval,
	)

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop waits for the running sweep to finish and stops the loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.Sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every server once, in order, and returns the per-server results.
func (m *Monitor) Sweep(ctx context.Context) map[string]Result {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	results := make(map[string]Result, len(m.config.Servers))
	for _, server := range m.config.Servers {
		if ctx.Err() != nil {
			break
		}
		result := m.check(ctx, server)
		recordCheck(result)
		results[server.Name] = result
	}
	return results
}

func (m *Monitor) check(ctx context.Context, server domain.Server) Result {
	logger := slog.With("server", server.Name)

	if err := ValidateTarget(server); err != nil {
		logger.Error("skipping server with unsafe name or address", "error", err)
		return ResultInvalid
	}

	probeErr := m.prober.Probe(ctx, server)

	open, err := m.tickets.FindOpenIncident(ctx, server.Name)
	switch {
	case errors.Is(err, ticketing.ErrIncidentNotFound):
		if probeErr == nil {
			return ResultHealthy
		}
	case err != nil:
		logger.Error("failed to look up open incident", "error", err)
		return ResultFailed
	default:
		if probeErr == nil {
			logger.Info("server reachable again, incident still open", "incident", open.Number)
			return ResultRecovered
		}
		logger.Debug("incident already open", "incident", open.Number)
		return ResultDuplicate
	}

	logger.Warn("server unreachable", "error", probeErr)

	rec, err := m.tickets.CreateIncident(ctx, ticketing.NewIncident{
		ShortDescription: "SSH Connection Failure: " + server.Name,
		Description: fmt.Sprintf("Server %s (%s) failed the SSH connectivity check at %s: %v",
			server.Name, server.IP, m.now().UTC().Format(time.RFC3339), probeErr),
		ServerName: server.Name,
		ServerIP:   server.IP,
	})
	if err != nil {
		logger.Error("failed to open incident", "error", err)
		return ResultFailed
	}

	logger.Info("incident opened", "incident", rec.Number)
	return ResultOpened
}
