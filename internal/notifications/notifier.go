// Package notifications pages the on-call human when an incident is escalated.
package notifications

import (
	"context"

	"github.com/bissquit/incident-remediator/internal/escalation"
)

// Channel names a paging transport.
type Channel string

// Supported channels.
const (
	ChannelMattermost Channel = "mattermost"
	ChannelEmail      Channel = "email"
	ChannelTelegram   Channel = "telegram"
)

// Notification is one rendered message for one recipient. Event is the
// escalation it was rendered from, for senders that add structured fields.
type Notification struct {
	To      string
	Subject string
	Body    string
	Event   *escalation.Event
}

// Sender delivers notifications over one channel.
type Sender interface {
	Type() Channel
	Send(ctx context.Context, notification Notification) error
}

// Target is a configured paging destination. To is a webhook URL, an email
// address or a chat id depending on Channel.
type Target struct {
	Channel Channel `koanf:"channel" validate:"required,oneof=mattermost email telegram"`
	To      string  `koanf:"to" validate:"required"`
}
