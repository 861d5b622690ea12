package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bissquit/incident-remediator/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"enabled without smtp host", Config{Enabled: true, FromAddress: "pager@example.com"}, "SMTP host is required"},
		{"enabled without from address", Config{Enabled: true, SMTPHost: "smtp.example.com"}, "from address is required"},
		{"disabled", Config{}, ""},
		{"valid", Config{Enabled: true, SMTPHost: "smtp.example.com", FromAddress: "pager@example.com"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 587, sender.config.SMTPPort)
			assert.Equal(t, notifications.ChannelEmail, sender.Type())
		})
	}
}

func TestNewSender_Auth(t *testing.T) {
	withCreds, err := NewSender(Config{SMTPHost: "smtp.example.com", SMTPUser: "u", SMTPPassword: "p"})
	require.NoError(t, err)
	assert.NotNil(t, withCreds.auth)

	without, err := NewSender(Config{SMTPHost: "smtp.example.com"})
	require.NoError(t, err)
	assert.Nil(t, without.auth)
}

func TestSender_BuildMessage(t *testing.T) {
	sender, err := NewSender(Config{FromAddress: "Remediator <pager@example.com>"})
	require.NoError(t, err)
	sender.now = func() time.Time { return time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC) }

	msg := string(sender.buildMessage("oncall@example.com", "[Escalation] INC0010001", "body text"))

	assert.Contains(t, msg, "From: Remediator <pager@example.com>\r\n")
	assert.Contains(t, msg, "To: oncall@example.com\r\n")
	assert.Contains(t, msg, "Subject: [Escalation] INC0010001\r\n")
	assert.Contains(t, msg, "Date: Wed, 14 Oct 2026 10:00:00 +0000\r\n")
	assert.Contains(t, msg, "X-Priority: 1\r\n")
	assert.Contains(t, msg, "\r\n\r\nbody text")
}

func TestSender_Send_Disabled(t *testing.T) {
	sender, err := NewSender(Config{})
	require.NoError(t, err)

	assert.NoError(t, sender.Send(context.Background(), notifications.Notification{To: "oncall@example.com"}))
}

func TestSender_Send_DialFailureIsRetryable(t *testing.T) {
	sender, err := NewSender(Config{Enabled: true, SMTPHost: "127.0.0.1", SMTPPort: 1, FromAddress: "pager@example.com"})
	require.NoError(t, err)

	err = sender.Send(context.Background(), notifications.Notification{To: "oncall@example.com", Body: "x"})

	require.Error(t, err)
	r, ok := err.(interface{ IsRetryable() bool })
	require.True(t, ok)
	assert.True(t, r.IsRetryable())
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "pager@example.com", extractEmail("Remediator <pager@example.com>"))
	assert.Equal(t, "pager@example.com", extractEmail("pager@example.com"))
	assert.Equal(t, "broken <addr", extractEmail("broken <addr"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"421", errors.New("421 service not available"), true},
		{"451", fmt.Errorf("data: %w", errors.New("451 local error")), true},
		{"550", errors.New("550 mailbox unavailable"), false},
		{"auth", errors.New("535 authentication failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
