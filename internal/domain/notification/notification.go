package notification

import (
	"maps"
	"strings"
	"time"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// Channel is a delivery medium.
type Channel string

const (
	// ChannelConsole writes notifications to the operational log.
	ChannelConsole Channel = "console"
	// ChannelEmail sends mail through SMTP.
	ChannelEmail Channel = "email"
	// ChannelSMS sends text messages through an HTTP gateway.
	ChannelSMS Channel = "sms"
	// ChannelPager triggers a pager incident.
	ChannelPager Channel = "pager"
	// ChannelWebhook posts JSON to an HTTP endpoint.
	ChannelWebhook Channel = "webhook"
)

// Channels returns every supported channel.
func Channels() []Channel {
	return []Channel{ChannelConsole, ChannelEmail, ChannelSMS, ChannelPager, ChannelWebhook}
}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelConsole, ChannelEmail, ChannelSMS, ChannelPager, ChannelWebhook:
		return true
	default:
		return false
	}
}

// Target is a channel plus an optional channel-specific address.
type Target struct {
	// Channel is the delivery medium.
	Channel Channel
	// Address is the recipient: mailbox, phone number, routing key or URL.
	// Empty means the channel default from configuration.
	Address string
}

// ParseTarget parses "type:target" strings such as "email:ops@example.com" or "console".
func ParseTarget(raw string) (Target, error) {
	kind, address, _ := strings.Cut(strings.TrimSpace(raw), ":")

	target := Target{
		Channel: Channel(strings.ToLower(strings.TrimSpace(kind))),
		Address: strings.TrimSpace(address),
	}

	if !target.Channel.Valid() {
		return Target{}, errs.NewValidationError("notification target", "unknown channel "+strings.TrimSpace(kind))
	}

	switch target.Channel {
	case ChannelEmail:
		if !strings.Contains(target.Address, "@") {
			return Target{}, errs.NewValidationError("notification target", "email target needs an address")
		}
	case ChannelSMS:
		if target.Address == "" {
			return Target{}, errs.NewValidationError("notification target", "sms target needs a phone number")
		}
	case ChannelConsole, ChannelPager, ChannelWebhook:
	}

	return target, nil
}

// String encodes the target back to "type:target".
func (t Target) String() string {
	if t.Address == "" {
		return string(t.Channel)
	}

	return string(t.Channel) + ":" + t.Address
}

// Status is the delivery status of an attempt.
type Status string

const (
	// StatusPending is waiting for its first send.
	StatusPending Status = "pending"
	// StatusSent was delivered; it is terminal.
	StatusSent Status = "sent"
	// StatusFailed failed at least once and waits for a retry.
	StatusFailed Status = "failed"
	// StatusExhausted ran out of attempts; it is terminal.
	StatusExhausted Status = "exhausted"
)

// Terminal reports whether no more sends happen for s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusExhausted
}

// Payload is the rendered content of a notification.
type Payload struct {
	// Subject is a short headline.
	Subject string `json:"subject"`
	// Message is the rendered body.
	Message string `json:"message"`
	// Fields carries structured context: tenant, site, severity, event id.
	Fields map[string]string `json:"fields,omitempty"`
}

// Attempt is one notification to deliver, with its retry bookkeeping.
type Attempt struct {
	// ID uniquely identifies the attempt.
	ID string `json:"id"`
	// AlarmID is the alarm the notification is about.
	AlarmID string `json:"alarm_id"`
	// RuleID is the rule that requested the notification.
	RuleID string `json:"rule_id,omitempty"`
	// Channel is the delivery medium.
	Channel Channel `json:"channel"`
	// Target is the channel-specific recipient.
	Target string `json:"target,omitempty"`
	// Payload is what gets delivered.
	Payload Payload `json:"payload"`
	// AttemptCount is how many sends were tried.
	AttemptCount int `json:"attempt_count"`
	// NextRetryAt is when the next send is due.
	NextRetryAt time.Time `json:"next_retry_at"`
	// Status is the delivery status.
	Status Status `json:"status"`
	// LastError is the latest send failure.
	LastError string `json:"last_error,omitempty"`
	// CreatedAt is when the attempt was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the attempt last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that does not share maps with the receiver.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}

	cloned := *a
	cloned.Payload.Fields = maps.Clone(a.Payload.Fields)

	return &cloned
}
