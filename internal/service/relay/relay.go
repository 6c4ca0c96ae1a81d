package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/broadcast"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "overwatch"

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("relay is not started")

// Bus is the publish/subscribe transport between nodes.
type Bus interface {
	// Publish sends data on subject.
	Publish(subject string, data []byte) error
	// Subscribe calls handler for every message on subject. Subject may use
	// NATS wildcards. The returned func cancels the subscription.
	Subscribe(subject string, handler func(data []byte)) (func() error, error)
}

// NATSBus adapts a NATS connection to Bus.
type NATSBus struct {
	// conn is the underlying connection.
	conn *nats.Conn
}

// Connect dials NATS with reconnects enabled.
func Connect(ctx context.Context, url string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("overwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnKV(ctx, "NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.InfoKV(ctx, "NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSBus{conn: conn}, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

// Relay forwards local broadcasts to the bus and delivers remote ones locally.
type Relay struct {
	// bus is the transport.
	bus Bus
	// hub is the local broadcast hub.
	hub *broadcast.Hub
	// node tags messages published by this process.
	node string
	// prefix namespaces subjects.
	prefix string
	// ctx is used for logging from bus callbacks.
	ctx context.Context //nolint:containedctx // Bus callbacks have no context of their own.

	// mu guards unsubscribe.
	mu sync.Mutex
	// unsubscribe cancels the bus subscription.
	unsubscribe func() error
}

// New creates a relay for the hub.
func New(bus Bus, hub *broadcast.Hub, prefix string) *Relay {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &Relay{
		bus:    bus,
		hub:    hub,
		node:   uuid.NewString(),
		prefix: prefix,
		ctx:    context.Background(),
	}
}

// Node returns the id this relay tags its messages with.
func (r *Relay) Node() string {
	return r.node
}

// Start subscribes to remote broadcasts and installs the relay as the hub
// forwarder.
func (r *Relay) Start(ctx context.Context) error {
	r.ctx = context.WithoutCancel(ctx)

	unsubscribe, err := r.bus.Subscribe(r.prefix+".broadcast.>", r.receive)
	if err != nil {
		return fmt.Errorf("subscribe to broadcasts: %w", err)
	}

	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.hub.SetForwarder(r)
	logger.InfoKV(ctx, "Broadcast relay started", "node", r.node, "prefix", r.prefix)

	return nil
}

// Stop detaches the relay from the hub and the bus.
func (r *Relay) Stop() error {
	r.hub.SetForwarder(nil)

	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe == nil {
		return ErrNotStarted
	}

	return unsubscribe()
}

// Forward implements broadcast.Forwarder. Failures are logged; local
// delivery already happened.
func (r *Relay) Forward(m broadcast.Message) {
	m.Origin = r.node

	data, err := json.Marshal(m)
	if err != nil {
		logger.ErrorKV(r.ctx, "Failed to encode broadcast for relay", "type", m.Type, "error", err)

		return
	}

	if err = r.bus.Publish(r.subject(m), data); err != nil {
		logger.WarnKV(r.ctx, "Failed to relay broadcast", "type", m.Type, "error", err)
	}
}

func (r *Relay) receive(data []byte) {
	var m broadcast.Message
	if err := json.Unmarshal(data, &m); err != nil {
		logger.WarnKV(r.ctx, "Dropping malformed relayed broadcast", "error", err)

		return
	}

	if m.Origin == r.node {
		return
	}

	r.hub.Deliver(m)
}

func (r *Relay) subject(m broadcast.Message) string {
	return r.prefix + ".broadcast." + m.Type
}
