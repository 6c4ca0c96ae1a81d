package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/logger"
)

const (
	// DefaultBufferSize bounds each subscription queue.
	DefaultBufferSize = 256
	// DefaultIdleTimeout tears down silent subscriptions.
	DefaultIdleTimeout = 2 * time.Minute
)

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "broadcast_published_total",
		Help:      "Messages published to the hub by type.",
	}, []string{"type"})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "broadcast_dropped_total",
		Help:      "Messages dropped from full subscriber buffers.",
	})
	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "overwatch",
		Name:      "broadcast_subscribers",
		Help:      "Active subscriptions.",
	})
	evicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "broadcast_evicted_total",
		Help:      "Subscriptions torn down for inactivity.",
	})
)

// Forwarder receives locally published messages so other nodes can
// deliver them too.
type Forwarder interface {
	Forward(m Message)
}

// Hub routes published messages to matching subscriptions.
type Hub struct {
	// mu guards subs and forwarder.
	mu sync.RWMutex
	// subs indexes subscriptions by id.
	subs map[string]*Subscription
	// forwarder relays local publications; nil disables relaying.
	forwarder Forwarder
	// bufferSize bounds each subscription queue.
	bufferSize int
	// idleTimeout tears down silent subscriptions.
	idleTimeout time.Duration
}

// NewHub creates a hub.
func NewHub(bufferSize int, idleTimeout time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Hub{
		subs:        make(map[string]*Subscription),
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
	}
}

// SetForwarder installs the cross-node forwarder.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.forwarder = f
}

// Subscribe registers a subscription. No topics means DefaultTopics.
func (h *Hub) Subscribe(topics []string, filter Filter) *Subscription {
	s := newSubscription(uuid.NewString(), h.bufferSize, topics, filter)

	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()

	subscribers.Inc()

	return s
}

// Unsubscribe tears a subscription down. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok && s.close() {
		subscribers.Dec()
	}
}

// Len returns the number of subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Publish delivers m locally and forwards it to other nodes. It never blocks
// on subscribers and returns how many subscriptions queued it.
func (h *Hub) Publish(m Message) int {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	delivered := h.Deliver(m)

	h.mu.RLock()
	forwarder := h.forwarder
	h.mu.RUnlock()

	if forwarder != nil {
		forwarder.Forward(m)
	}

	return delivered
}

// Deliver queues m for local subscriptions only. Relays call it for messages
// received from other nodes.
func (h *Hub) Deliver(m Message) int {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))

	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	published.WithLabelValues(m.Type).Inc()

	delivered := 0

	for _, s := range targets {
		queued, lost := s.offer(m)
		if queued {
			delivered++
		}

		if lost {
			dropped.Inc()
		}
	}

	return delivered
}

// PublishEvent broadcasts a persisted event on the events topic.
func (h *Hub) PublishEvent(e *event.Event) {
	h.Publish(Message{
		Type:     TypeEvent,
		Topic:    TopicEvents,
		Tenant:   e.Tenant,
		Site:     e.Site,
		CameraID: e.CameraID(),
		Data:     e,
	})
}

// PublishAlarm broadcasts an alarm snapshot on the alarms topic.
func (h *Hub) PublishAlarm(a *alarm.Alarm, action string) {
	h.Publish(Message{
		Type:   TypeAlarmUpdate,
		Topic:  TopicAlarms,
		Action: action,
		Tenant: a.Tenant,
		Site:   a.Site,
		Data:   a,
	})
}

// StreamStatus is a status report of a camera stream pipeline.
type StreamStatus struct {
	// CameraID identifies the stream.
	CameraID string `json:"camera_id"`
	// Tenant owns the camera.
	Tenant string `json:"tenant,omitempty"`
	// Site hosts the camera.
	Site string `json:"site,omitempty"`
	// Status is a short state such as "online", "degraded" or "offline".
	Status string `json:"status"`
	// Details carries pipeline-specific metrics.
	Details map[string]any `json:"details,omitempty"`
}

// PublishStreamStatus broadcasts a stream status report on the camera topic.
func (h *Hub) PublishStreamStatus(status StreamStatus) int {
	return h.Publish(Message{
		Type:     TypeStreamStatus,
		Topic:    StreamTopic(status.CameraID),
		Tenant:   status.Tenant,
		Site:     status.Site,
		CameraID: status.CameraID,
		Data:     status,
	})
}

// EvictIdle tears down subscriptions without deliveries or client activity
// since the idle timeout and returns how many were removed.
func (h *Hub) EvictIdle(now time.Time) int {
	cutoff := now.Add(-h.idleTimeout)

	h.mu.RLock()
	var idle []string

	for id, s := range h.subs {
		if s.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.Unsubscribe(id)
	}

	evicted.Add(float64(len(idle)))

	return len(idle)
}

// Run evicts idle subscriptions until the context ends, then tears every
// subscription down.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(max(h.idleTimeout/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()

			return
		case now := <-ticker.C:
			if n := h.EvictIdle(now); n > 0 {
				logger.InfoKV(ctx, "Idle subscriptions evicted", "count", n)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))

	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Unsubscribe(id)
	}
}
