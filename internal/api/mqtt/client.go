package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/logger"
)

const (
	// qosAtLeastOnce is used for both ingestion and commands.
	qosAtLeastOnce byte = 1
	// disconnectQuiesce is how long Disconnect waits for in-flight work, in milliseconds.
	disconnectQuiesce = 250
)

var errBrokerRequired = errors.New("mqtt broker must be provided")

// MessageHandler processes one received message.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// Client wraps a paho MQTT client.
type Client struct {
	// client is the underlying paho client.
	client paho.Client
	// timeout bounds connect, publish and subscribe round trips.
	timeout time.Duration
}

// Connect dials the broker and waits for the session to be established.
func Connect(ctx context.Context, settings config.MQTT, timeout time.Duration) (*Client, error) {
	if settings.Broker == "" {
		return nil, errBrokerRequired
	}

	opts := paho.NewClientOptions().
		AddBroker(settings.Broker).
		SetClientID(settings.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.WarnKV(ctx, "MQTT connection lost", "broker", settings.Broker, "error", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.InfoKV(ctx, "MQTT connected", "broker", settings.Broker)
		})

	if settings.Username != "" {
		opts.SetUsername(settings.Username)
	}

	if settings.Password != "" {
		opts.SetPassword(settings.Password)
	}

	c := &Client{
		client:  paho.NewClient(opts),
		timeout: timeout,
	}

	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", settings.Broker, err)
	}

	return c, nil
}

// Publish sends payload to topic. It implements automation.Publisher.
func (c *Client) Publish(topic string, payload []byte) error {
	if err := c.wait(context.Background(), c.client.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	return nil
}

// Subscribe registers handler for topic. Handler errors are logged and the
// message is acknowledged anyway, since redelivery would fail the same way.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	callback := func(_ paho.Client, message paho.Message) {
		if err := handler(ctx, message.Topic(), message.Payload()); err != nil {
			logger.WarnKV(ctx, "MQTT message rejected", "topic", message.Topic(), "error", err)
		}
	}

	if err := c.wait(ctx, c.client.Subscribe(topic, qosAtLeastOnce, callback)); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	return nil
}

// Disconnect closes the session after a short quiesce period.
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) wait(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
