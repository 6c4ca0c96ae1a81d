package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
	"github.com/oshokin/overwatch/internal/version"
)

// defaultHTTPTimeout bounds outbound channel requests.
const defaultHTTPTimeout = 10 * time.Second

// errNoDestination is returned when neither the attempt nor the
// configuration names where to deliver.
var errNoDestination = errors.New("no destination configured")

// NewSenders builds a sender for every channel the configuration enables.
// Console is always available.
func NewSenders(settings config.Notifications, log *zap.Logger) map[notification.Channel]Sender {
	client := NewHTTPClient(defaultHTTPTimeout)

	senders := map[notification.Channel]Sender{
		notification.ChannelConsole: NewConsoleSender(log),
		notification.ChannelWebhook: NewWebhookSender(client, settings.WebhookURL),
	}

	if settings.PagerURL != "" {
		senders[notification.ChannelPager] = NewPagerSender(client, settings.PagerURL, settings.PagerRoutingKey)
	}

	if settings.SMSGatewayURL != "" {
		senders[notification.ChannelSMS] = NewSMSSender(client, settings.SMSGatewayURL, settings.SMSFrom)
	}

	if settings.SMTPAddress != "" {
		senders[notification.ChannelEmail] = NewEmailSender(EmailSettings{
			Address:  settings.SMTPAddress,
			From:     settings.SMTPFrom,
			Username: settings.SMTPUsername,
			Password: settings.SMTPPassword,
		})
	}

	return senders
}

// NewHTTPClient creates the resty client shared by the HTTP channels. Retries
// are left to the dispatcher.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// ConsoleSender writes notifications to the log.
type ConsoleSender struct {
	// logger receives the notifications.
	logger *zap.Logger
}

// NewConsoleSender creates a console sender.
func NewConsoleSender(log *zap.Logger) *ConsoleSender {
	return &ConsoleSender{logger: log.Named("console-notifier")}
}

// Send implements Sender.
func (s *ConsoleSender) Send(_ context.Context, a *notification.Attempt) error {
	fields := []zap.Field{
		zap.String("attempt_id", a.ID),
		zap.String("alarm_id", a.AlarmID),
		zap.String("rule_id", a.RuleID),
		zap.String("subject", a.Payload.Subject),
	}

	for key, value := range a.Payload.Fields {
		fields = append(fields, zap.String("field."+key, value))
	}

	s.logger.Info(a.Payload.Message, fields...)

	return nil
}

// WebhookEnvelope is the JSON document posted to webhook endpoints.
type WebhookEnvelope struct {
	// Type identifies the document kind.
	Type string `json:"type"`
	// AttemptID lets receivers deduplicate retries.
	AttemptID string `json:"attempt_id"`
	// AlarmID is the alarm the notification is about.
	AlarmID string `json:"alarm_id,omitempty"`
	// RuleID is the rule that requested it.
	RuleID string `json:"rule_id,omitempty"`
	// Subject is the headline.
	Subject string `json:"subject"`
	// Message is the rendered body.
	Message string `json:"message"`
	// Fields carries structured context.
	Fields map[string]string `json:"fields,omitempty"`
	// Timestamp is when the document was sent, RFC3339.
	Timestamp string `json:"timestamp"`
}

// WebhookSender posts notifications as JSON.
type WebhookSender struct {
	// client performs requests.
	client *resty.Client
	// url is the default endpoint; an attempt target overrides it.
	url string
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(client *resty.Client, url string) *WebhookSender {
	return &WebhookSender{client: client, url: url}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, a *notification.Attempt) error {
	url := s.url
	if strings.HasPrefix(a.Target, "http://") || strings.HasPrefix(a.Target, "https://") {
		url = a.Target
	}

	if url == "" {
		return errs.NewDeliveryError(string(notification.ChannelWebhook), false, errNoDestination)
	}

	envelope := WebhookEnvelope{
		Type:      "overwatch.notification",
		AttemptID: a.ID,
		AlarmID:   a.AlarmID,
		RuleID:    a.RuleID,
		Subject:   a.Payload.Subject,
		Message:   a.Payload.Message,
		Fields:    a.Payload.Fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	return post(ctx, s.client, notification.ChannelWebhook, url, envelope)
}

// pagerEvent follows the common "events API" shape of paging services.
type pagerEvent struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	Payload     pagerPayload `json:"payload"`
}

type pagerPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

// PagerSender triggers pager incidents.
type PagerSender struct {
	// client performs requests.
	client *resty.Client
	// url is the events endpoint.
	url string
	// routingKey is the default integration key; an attempt target overrides it.
	routingKey string
}

// NewPagerSender creates a pager sender.
func NewPagerSender(client *resty.Client, url, routingKey string) *PagerSender {
	return &PagerSender{client: client, url: url, routingKey: routingKey}
}

// Send implements Sender.
func (s *PagerSender) Send(ctx context.Context, a *notification.Attempt) error {
	routingKey := a.Target
	if routingKey == "" {
		routingKey = s.routingKey
	}

	if routingKey == "" {
		return errs.NewDeliveryError(string(notification.ChannelPager), false, errNoDestination)
	}

	event := pagerEvent{
		RoutingKey:  routingKey,
		EventAction: "trigger",
		DedupKey:    a.AlarmID,
		Payload: pagerPayload{
			Summary:       summary(a),
			Source:        "overwatch",
			Severity:      pagerSeverity(a.Payload.Fields["severity"]),
			CustomDetails: a.Payload.Fields,
		},
	}

	return post(ctx, s.client, notification.ChannelPager, s.url, event)
}

// smsMessage is the gateway request body.
type smsMessage struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// SMSSender sends text messages through an HTTP gateway.
type SMSSender struct {
	// client performs requests.
	client *resty.Client
	// url is the gateway endpoint.
	url string
	// from is the sender number.
	from string
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(client *resty.Client, url, from string) *SMSSender {
	return &SMSSender{client: client, url: url, from: from}
}

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, a *notification.Attempt) error {
	if a.Target == "" {
		return errs.NewDeliveryError(string(notification.ChannelSMS), false, errNoDestination)
	}

	return post(ctx, s.client, notification.ChannelSMS, s.url, smsMessage{
		From: s.from,
		To:   a.Target,
		Body: summary(a),
	})
}

// post sends body as JSON. Transport failures, 429 and 5xx responses are
// retryable; other error statuses are not.
func post(ctx context.Context, client *resty.Client, channel notification.Channel, url string, body any) error {
	response, err := client.R().
		SetContext(ctx).
		SetBody(body).
		Post(url)
	if err != nil {
		return errs.NewDeliveryError(string(channel), true, fmt.Errorf("post: %w", err))
	}

	if !response.IsError() {
		return nil
	}

	status := response.StatusCode()
	retryable := status == http.StatusTooManyRequests || status >= http.StatusInternalServerError

	return errs.NewDeliveryError(string(channel), retryable,
		fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(response.String())))
}

func summary(a *notification.Attempt) string {
	switch {
	case a.Payload.Subject == "":
		return a.Payload.Message
	case a.Payload.Message == "":
		return a.Payload.Subject
	default:
		return a.Payload.Subject + ": " + a.Payload.Message
	}
}

func pagerSeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "major":
		return "error"
	case "minor":
		return "warning"
	default:
		return "info"
	}
}
