package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-remediator/internal/authz"
	"github.com/bissquit/incident-remediator/internal/cloud"
	"github.com/bissquit/incident-remediator/internal/config"
	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/escalation"
	"github.com/bissquit/incident-remediator/internal/monitor"
	"github.com/bissquit/incident-remediator/internal/notifications"
	"github.com/bissquit/incident-remediator/internal/notifications/email"
	"github.com/bissquit/incident-remediator/internal/notifications/mattermost"
	"github.com/bissquit/incident-remediator/internal/notifications/telegram"
	"github.com/bissquit/incident-remediator/internal/remediation"
	"github.com/bissquit/incident-remediator/internal/secrets"
	"github.com/bissquit/incident-remediator/internal/stage"
	"github.com/bissquit/incident-remediator/internal/ticketing"
)

// dependencies are the external clients shared by the pipeline and the monitor.
type dependencies struct {
	cloud   *cloud.Client
	tickets *ticketing.Client
	stages  *stage.HTTPInvoker
	pager   *notifications.Dispatcher
	prober  *monitor.SSHProber
}

func newDependencies(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	store, err := secrets.New(ctx, secrets.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create secret store: %w", err)
	}

	cloudClient, err := cloud.New(ctx, cloud.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create cloud client: %w", err)
	}

	tickets, err := newTicketClient(store, cfg.Ticketing)
	if err != nil {
		return nil, err
	}

	stages, err := newStageInvoker(ctx, store, cfg.Stages)
	if err != nil {
		return nil, err
	}

	pager, err := newPager(ctx, store, cfg.Pager)
	if err != nil {
		return nil, err
	}

	return &dependencies{
		cloud:   cloudClient,
		tickets: tickets,
		stages:  stages,
		pager:   pager,
		prober:  monitor.NewSSHProber(cfg.Monitor.SSH, store),
	}, nil
}

func (d *dependencies) orchestrator(cfg *config.Config, repo remediation.RunRepository) *remediation.Orchestrator {
	gate := escalation.NewGate(authz.NewGate(cfg.Authz.ProtectedInstances))

	executor := remediation.NewExecutor(gate, d.cloud, d.reachability(cfg.Backoff.Reachability), d.tickets, d.pager,
		remediation.ExecutorConfig{
			Running:   cfg.Backoff.Running,
			Reachable: cfg.Backoff.Reachable,
		})

	return remediation.NewOrchestrator(d.cloud, d.stages, d.tickets, executor, repo)
}

func (d *dependencies) reachability(kind string) remediation.ReachabilityFunc {
	if kind == config.ReachabilitySSH {
		return d.prober.Reachable
	}
	return func(ctx context.Context, inc *domain.Incident) (bool, error) {
		return d.cloud.Reachable(ctx, inc.InstanceID)
	}
}

func (d *dependencies) monitor(cfg config.MonitorConfig) *monitor.Monitor {
	return monitor.New(monitor.Config{Interval: cfg.Interval, Servers: cfg.Servers}, d.prober, d.tickets)
}

func newTicketClient(store *secrets.Store, cfg config.TicketingConfig) (*ticketing.Client, error) {
	clientConfig := ticketing.Config{
		BaseURL:   cfg.BaseURL,
		Table:     cfg.Table,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	}

	switch cfg.Auth {
	case config.AuthBasic:
		return ticketing.NewClient(clientConfig, ticketing.NewBasicAuth(store, cfg.CredentialsSecret)), nil
	case config.AuthOAuth:
		source := &secretClientCredentials{store: store, config: cfg.OAuth, timeout: cfg.Timeout}
		return ticketing.NewClient(clientConfig, ticketing.NewBearerAuth(ticketing.NewTokenCache(source))), nil
	}
	return nil, fmt.Errorf("unknown ticketing auth %q", cfg.Auth)
}

// secretClientCredentials reads the client secret on each token fetch so a
// rotated secret is picked up at the next refresh.
type secretClientCredentials struct {
	store   *secrets.Store
	config  config.OAuthConfig
	timeout time.Duration
}

func (s *secretClientCredentials) Token(ctx context.Context) (ticketing.Token, error) {
	secret, err := s.store.Get(ctx, s.config.ClientSecretName)
	if err != nil {
		return ticketing.Token{}, fmt.Errorf("read oauth client secret: %w", err)
	}
	return ticketing.NewClientCredentials(ticketing.OAuthConfig{
		TokenURL:     s.config.TokenURL,
		ClientID:     s.config.ClientID,
		ClientSecret: secret,
		Scope:        s.config.Scope,
		Timeout:      s.timeout,
	}).Token(ctx)
}

func newStageInvoker(ctx context.Context, store *secrets.Store, cfg config.StagesConfig) (*stage.HTTPInvoker, error) {
	var token string
	if cfg.AuthTokenSecret != "" {
		var err error
		if token, err = store.Get(ctx, cfg.AuthTokenSecret); err != nil {
			return nil, fmt.Errorf("read stage auth token: %w", err)
		}
	}

	return stage.NewHTTPInvoker(stage.Config{
		Endpoints: map[stage.Name]string{
			stage.Analyze:           cfg.Analyze,
			stage.Validate:          cfg.Validate,
			stage.RetrieveProcedure: cfg.RetrieveProcedure,
		},
		Model:     cfg.Model,
		Timeout:   cfg.Timeout,
		AuthToken: token,
	}), nil
}

func newPager(ctx context.Context, store *secrets.Store, cfg config.PagerConfig) (*notifications.Dispatcher, error) {
	// Mattermost is always available; the webhook URL is the target address.
	senders := []notifications.Sender{mattermost.NewSender(cfg.Mattermost)}

	if cfg.Email.Enabled {
		emailConfig := cfg.Email
		if emailConfig.PasswordSecret != "" {
			password, err := store.Get(ctx, emailConfig.PasswordSecret)
			if err != nil {
				return nil, fmt.Errorf("read smtp password: %w", err)
			}
			emailConfig.SMTPPassword = password
		}
		sender, err := email.NewSender(emailConfig)
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		senders = append(senders, sender)
	}

	if cfg.Telegram.Enabled {
		telegramConfig := cfg.Telegram
		token, err := store.Get(ctx, telegramConfig.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("read telegram bot token: %w", err)
		}
		telegramConfig.BotToken = token
		sender, err := telegram.NewSender(telegramConfig)
		if err != nil {
			return nil, fmt.Errorf("create telegram sender: %w", err)
		}
		senders = append(senders, sender)
	}

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create page renderer: %w", err)
	}

	slog.Info("pager configured",
		"targets", len(cfg.Targets),
		"email_enabled", cfg.Email.Enabled,
		"telegram_enabled", cfg.Telegram.Enabled,
	)

	return notifications.NewDispatcher(renderer, cfg.Targets, cfg.Retry, senders...), nil
}
