// Package mattermost pages the on-call human through a Mattermost incoming
// webhook. Escalations are posted as a coloured attachment.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/incident-remediator/internal/escalation"
	"github.com/bissquit/incident-remediator/internal/notifications"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Remediator"
	maxRespSize     = 16 << 10
)

// Attachment colours by escalation reason.
const (
	colorDestructive = "#d24b4e"
	colorTimeout     = "#e89b2f"
	colorDenied      = "#7a5cc4"
	colorDefault     = "#3d3c40"
)

// Config holds Mattermost sender configuration. The webhook URL is the paging
// target, so it is not part of the sender config.
type Config struct {
	Username string `koanf:"username"`
	IconURL  string `koanf:"icon_url"`
	// Mention is prepended to every page, e.g. "@oncall" or "@channel".
	Mention string        `koanf:"mention"`
	Timeout time.Duration `koanf:"timeout"`
}

// Sender posts escalation pages to Mattermost webhooks.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Mattermost sender.
func NewSender(config Config) *Sender {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Type returns the channel type.
func (s *Sender) Type() notifications.Channel {
	return notifications.ChannelMattermost
}

type webhookPayload struct {
	Username    string       `json:"username,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Fallback string  `json:"fallback"`
	Color    string  `json:"color"`
	Title    string  `json:"title"`
	Text     string  `json:"text"`
	Fields   []field `json:"fields,omitempty"`
	Footer   string  `json:"footer,omitempty"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Send posts the page to the webhook in notification.To.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if notification.To == "" {
		return &Error{Message: "webhook URL is empty"}
	}

	body, err := json.Marshal(s.payload(notification))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notification.To, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The webhook URL is a credential; report only the cause.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return &Error{Message: fmt.Sprintf("send request: %v", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRespSize))
	if err := classify(resp.StatusCode, strings.TrimSpace(string(raw))); err != nil {
		return err
	}

	slog.Debug("mattermost page sent", "webhook_host", webhookHost(notification.To))
	return nil
}

func (s *Sender) payload(n notifications.Notification) webhookPayload {
	headline := n.Subject
	if s.config.Mention != "" {
		headline = strings.TrimSpace(s.config.Mention + " " + headline)
	}

	p := webhookPayload{
		Username: s.config.Username,
		IconURL:  s.config.IconURL,
	}

	if n.Event == nil {
		if headline != "" {
			headline = "#### " + headline
		}
		p.Text = strings.TrimSpace(headline + "\n\n" + n.Body)
		return p
	}

	ev := n.Event
	p.Text = headline
	p.Attachments = []attachment{{
		Fallback: ev.Notice,
		Color:    reasonColor(ev.Reason),
		Title:    n.Subject,
		Text:     n.Body,
		Fields: []field{
			{Title: "Incident", Value: ev.IncidentID, Short: true},
			{Title: "Instance", Value: orDash(ev.InstanceID), Short: true},
			{Title: "Reason", Value: string(ev.Reason), Short: true},
		},
		Footer: "raised " + ev.CreatedAt.UTC().Format(time.RFC3339),
	}}
	return p
}

func reasonColor(reason escalation.Reason) string {
	switch reason {
	case escalation.ReasonDestructiveOperation:
		return colorDestructive
	case escalation.ReasonTimeoutExceeded:
		return colorTimeout
	case escalation.ReasonNotAuthorized:
		return colorDenied
	}
	return colorDefault
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// classify maps a webhook response status onto a delivery error.
func classify(status int, body string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &Error{Code: status, Message: "rate limited", Retryable: true}
	case status >= 500:
		return &Error{Code: status, Message: "server error: " + body, Retryable: true}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &Error{Code: status, Message: "invalid or expired webhook"}
	case status == http.StatusNotFound:
		return &Error{Code: status, Message: "webhook not found"}
	}
	return &Error{Code: status, Message: "rejected: " + body}
}

// webhookHost returns only the host of a webhook URL, for logs.
func webhookHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}

// Error is a failed webhook delivery.
type Error struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable reports whether the delivery may succeed later.
func (e *Error) IsRetryable() bool { return e.Retryable }
