package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/service/broadcast"
)

// memoryBus delivers synchronously to every subscriber whose pattern matches.
type memoryBus struct {
	mu        sync.Mutex
	handlers  map[int]memoryHandler
	next      int
	published []string
}

type memoryHandler struct {
	pattern string
	handler func([]byte)
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[int]memoryHandler)}
}

func (b *memoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.published = append(b.published, subject)

	var targets []func([]byte)

	for _, h := range b.handlers {
		if prefix, ok := strings.CutSuffix(h.pattern, ">"); ok && strings.HasPrefix(subject, prefix) {
			targets = append(targets, h.handler)
		}
	}
	b.mu.Unlock()

	for _, handler := range targets {
		handler(data)
	}

	return nil
}

func (b *memoryBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = memoryHandler{pattern: subject, handler: handler}

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.handlers, id)

		return nil
	}, nil
}

func TestRelayBetweenNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newMemoryBus()

	hubA := broadcast.NewHub(8, time.Minute)
	hubB := broadcast.NewHub(8, time.Minute)

	relayA := New(bus, hubA, "")
	relayB := New(bus, hubB, "")
	require.NoError(t, relayA.Start(ctx))
	require.NoError(t, relayB.Start(ctx))
	require.NotEqual(t, relayA.Node(), relayB.Node())

	subA := hubA.Subscribe([]string{broadcast.TopicAlarms}, broadcast.Filter{Tenant: "acme"})
	subB := hubB.Subscribe([]string{broadcast.TopicAlarms}, broadcast.Filter{Tenant: "acme"})

	hubA.PublishAlarm(&alarm.Alarm{ID: "a-1", Tenant: "acme", State: alarm.StateTriage}, "transitioned")

	require.Equal(t, 1, subA.Len(), "own broadcasts are not delivered twice")

	remote := subB.Drain()
	require.Len(t, remote, 1)
	require.Equal(t, broadcast.TypeAlarmUpdate, remote[0].Type)
	require.Equal(t, "transitioned", remote[0].Action)
	require.Equal(t, relayA.Node(), remote[0].Origin)
	require.Equal(t, "a-1", remote[0].Data.(map[string]any)["id"])

	require.Equal(t, []string{"overwatch.broadcast.alarm_update"}, bus.published)

	require.NoError(t, relayB.Stop())
	hubA.PublishAlarm(&alarm.Alarm{ID: "a-2", Tenant: "acme"}, "created")
	require.Zero(t, subB.Len())
	require.ErrorIs(t, relayB.Stop(), ErrNotStarted)
}

func TestRelayDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	bus := newMemoryBus()
	hub := broadcast.NewHub(8, time.Minute)
	sub := hub.Subscribe(nil, broadcast.Filter{})

	r := New(bus, hub, "site-7.")
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, bus.Publish("site-7.broadcast.event", []byte("{not json")))
	require.Zero(t, sub.Len())
}
