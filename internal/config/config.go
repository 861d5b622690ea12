// Package config loads remediator configuration from a YAML file and
// REMEDIATOR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/monitor"
	"github.com/bissquit/incident-remediator/internal/notifications"
	"github.com/bissquit/incident-remediator/internal/notifications/email"
	"github.com/bissquit/incident-remediator/internal/notifications/mattermost"
	"github.com/bissquit/incident-remediator/internal/notifications/telegram"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: REMEDIATOR_SERVER__PORT sets server.port.
const EnvPrefix = "REMEDIATOR_"

// Reachability check kinds.
const (
	ReachabilitySSM = "ssm"
	ReachabilitySSH = "ssh"
)

// Ticketing auth kinds.
const (
	AuthBasic = "basic"
	AuthOAuth = "oauth"
)

// Config is the complete remediator configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	API       APIConfig       `koanf:"api"`
	AWS       AWSConfig       `koanf:"aws"`
	Stages    StagesConfig    `koanf:"stages"`
	Backoff   BackoffConfig   `koanf:"backoff"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Ticketing TicketingConfig `koanf:"ticketing"`
	Pager     PagerConfig     `koanf:"pager"`
	Authz     AuthzConfig     `koanf:"authz"`
}

// ServerConfig holds HTTP server settings. WriteTimeout must cover a whole
// pipeline run because intake responds only after a terminal disposition.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// DatabaseConfig holds run store settings. An empty URL keeps runs in memory.
type DatabaseConfig struct {
	URL             string         `koanf:"url"`
	MaxOpenConns    int            `koanf:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int            `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration  `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration  `koanf:"connect_timeout"`
	Retry           backoff.Policy `koanf:"retry"`
	Migrations      string         `koanf:"migrations"`
}

// APIConfig holds intake API settings. No keys disables authentication.
type APIConfig struct {
	Keys []string `koanf:"keys"`
}

// AWSConfig holds settings shared by the EC2, SSM and Secrets Manager clients.
type AWSConfig struct {
	Region   string `koanf:"region" validate:"required"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// StagesConfig holds remote stage endpoints.
type StagesConfig struct {
	Analyze           string        `koanf:"analyze" validate:"required,url"`
	Validate          string        `koanf:"validate" validate:"required,url"`
	RetrieveProcedure string        `koanf:"retrieve_procedure" validate:"required,url"`
	Model             string        `koanf:"model"`
	Timeout           time.Duration `koanf:"timeout"`
	// AuthTokenSecret names the Secrets Manager secret holding the bearer token.
	AuthTokenSecret string `koanf:"auth_token_secret"`
}

// BackoffConfig holds the two execution-stage wait policies.
type BackoffConfig struct {
	Running      backoff.Policy `koanf:"running"`
	Reachable    backoff.Policy `koanf:"reachable"`
	Reachability string         `koanf:"reachability" validate:"oneof=ssm ssh"`
}

// MonitorConfig holds the fleet monitor settings.
type MonitorConfig struct {
	Enabled  bool              `koanf:"enabled"`
	Interval time.Duration     `koanf:"interval"`
	SSH      monitor.SSHConfig `koanf:"ssh"`
	Servers  []domain.Server   `koanf:"servers" validate:"dive"`
}

// TicketingConfig holds ticketing API settings.
type TicketingConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Table     string        `koanf:"table"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit" validate:"min=0"`
	Burst     int           `koanf:"burst" validate:"min=0"`
	Auth      string        `koanf:"auth" validate:"oneof=basic oauth"`
	// CredentialsSecret names the secret holding username and password.
	CredentialsSecret string      `koanf:"credentials_secret"`
	OAuth             OAuthConfig `koanf:"oauth"`
}

// OAuthConfig holds client-credentials settings. The client secret is read
// from the secret store.
type OAuthConfig struct {
	TokenURL         string `koanf:"token_url" validate:"omitempty,url"`
	ClientID         string `koanf:"client_id"`
	ClientSecretName string `koanf:"client_secret_name"`
	Scope            string `koanf:"scope"`
}

// PagerConfig holds escalation paging settings.
type PagerConfig struct {
	Targets    []notifications.Target `koanf:"targets" validate:"dive"`
	Retry      backoff.Policy         `koanf:"retry"`
	Mattermost mattermost.Config      `koanf:"mattermost"`
	Email      email.Config           `koanf:"email"`
	Telegram   telegram.Config        `koanf:"telegram"`
}

// AuthzConfig holds the protected-instance deny-list.
type AuthzConfig struct {
	ProtectedInstances []string `koanf:"protected_instances"`
}

// Default returns the configuration used for keys absent from every source.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      20 * time.Minute,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  90 * time.Second,
			Migrations:      "file://migrations",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Stages: StagesConfig{
			Timeout: 120 * time.Second,
		},
		Backoff: BackoffConfig{
			Running: backoff.Policy{
				InitialWait: 5 * time.Second,
				Multiplier:  2,
				PerStepCap:  30 * time.Second,
				TotalBudget: 120 * time.Second,
			},
			Reachable: backoff.Policy{
				InitialWait: 10 * time.Second,
				Multiplier:  2,
				PerStepCap:  30 * time.Second,
				TotalBudget: 240 * time.Second,
			},
			Reachability: ReachabilitySSM,
		},
		Monitor: MonitorConfig{
			Interval: monitor.DefaultConfig().Interval,
		},
		Ticketing: TicketingConfig{
			Table:     "incident",
			Timeout:   30 * time.Second,
			RateLimit: 5,
			Burst:     5,
			Auth:      AuthBasic,
		},
		Pager: PagerConfig{
			Retry: notifications.DefaultRetry,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks field constraints and the settings that depend on each other.
func (c *Config) Validate() error {
	if err := domain.NewValidator().Struct(c); err != nil {
		return err
	}

	var errs []error
	for name, p := range map[string]backoff.Policy{
		"backoff.running":   c.Backoff.Running,
		"backoff.reachable": c.Backoff.Reachable,
	} {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Database.Retry != (backoff.Policy{}) {
		if err := c.Database.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database.retry: %w", err))
		}
	}
	if c.Pager.Retry != (backoff.Policy{}) {
		if err := c.Pager.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pager.retry: %w", err))
		}
	}

	switch c.Ticketing.Auth {
	case AuthBasic:
		if c.Ticketing.CredentialsSecret == "" {
			errs = append(errs, errors.New("ticketing.credentials_secret is required for basic auth"))
		}
	case AuthOAuth:
		if c.Ticketing.OAuth.TokenURL == "" || c.Ticketing.OAuth.ClientID == "" || c.Ticketing.OAuth.ClientSecretName == "" {
			errs = append(errs, errors.New("ticketing.oauth requires token_url, client_id and client_secret_name"))
		}
	}

	if c.Monitor.Enabled || c.Backoff.Reachability == ReachabilitySSH {
		if c.Monitor.SSH.User == "" || c.Monitor.SSH.KeySecret == "" {
			errs = append(errs, errors.New("monitor.ssh requires user and key_secret"))
		}
	}
	if c.Monitor.Enabled && len(c.Monitor.Servers) == 0 {
		errs = append(errs, errors.New("monitor.servers must not be empty when the monitor is enabled"))
	}

	if c.Pager.Telegram.Enabled && c.Pager.Telegram.TokenSecret == "" {
		errs = append(errs, errors.New("pager.telegram.token_secret is required when telegram is enabled"))
	}

	for i, t := range c.Pager.Targets {
		if t.Channel == notifications.ChannelEmail && !c.Pager.Email.Enabled {
			errs = append(errs, fmt.Errorf("pager.targets[%d]: email sender is disabled", i))
		}
		if t.Channel == notifications.ChannelTelegram && !c.Pager.Telegram.Enabled {
			errs = append(errs, fmt.Errorf("pager.targets[%d]: telegram sender is disabled", i))
		}
	}

	return errors.Join(errs...)
}
