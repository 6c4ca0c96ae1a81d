package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/broadcast"
)

// Client control message types.
const (
	controlSubscribe  = "subscribe"
	controlPing       = "ping"
	controlPong       = "pong"
	controlSubscribed = "subscribed"
	controlError      = "error"
)

// streamStatusRequest is the body of a stream status report.
type streamStatusRequest struct {
	// Tenant owns the camera.
	Tenant string `json:"tenant"`
	// Site hosts the camera.
	Site string `json:"site"`
	// Status is the short pipeline state.
	Status string `json:"status"`
	// Details carries pipeline metrics.
	Details map[string]any `json:"details"`
}

// controlMessage is what WebSocket clients send.
type controlMessage struct {
	// Type is subscribe or ping.
	Type string `json:"type"`
	// Topics replace the subscribed topics; empty means the defaults.
	Topics []string `json:"topics,omitempty"`
	// Filters narrow deliveries.
	Filters broadcast.Filter `json:"filters"`
}

// controlReply is what the server answers to control messages.
type controlReply struct {
	// Type is subscribed, pong or error.
	Type string `json:"type"`
	// SubscriptionID identifies the subscription.
	SubscriptionID string `json:"subscription_id,omitempty"`
	// Topics are the effective topics after a subscribe.
	Topics []string `json:"topics,omitempty"`
	// Filters are the effective filters after a subscribe.
	Filters *broadcast.Filter `json:"filters,omitempty"`
	// Message describes an error.
	Message string `json:"message,omitempty"`
	// Timestamp is when the reply was produced.
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	var req streamStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)

		return
	}

	status := strings.TrimSpace(req.Status)
	if status == "" {
		h.writeError(w, r, errs.NewValidationError("stream status", "status is required"))

		return
	}

	delivered := h.services.Hub.PublishStreamStatus(broadcast.StreamStatus{
		CameraID: chi.URLParam(r, "camera_id"),
		Tenant:   req.Tenant,
		Site:     req.Site,
		Status:   status,
		Details:  req.Details,
	})

	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// stream upgrades the request to a WebSocket and pushes broadcasts until
// either side goes away. Initial topics and filters may be given as query
// parameters; clients refine them with subscribe messages.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnKV(r.Context(), "WebSocket upgrade failed", "error", err)

		return
	}

	values := r.URL.Query()

	var topics []string
	if raw := values.Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	sub := h.services.Hub.Subscribe(topics, broadcast.Filter{
		Tenant: values.Get("tenant"),
		Site:   values.Get("site"),
		Camera: values.Get("camera"),
	})

	ctx, cancel := context.WithCancel(logger.WithKV(context.WithoutCancel(r.Context()), "subscription_id", sub.ID))
	session := &streamSession{
		conn:         conn,
		sub:          sub,
		writeTimeout: h.writeTimeout,
	}

	logger.DebugKV(ctx, "WebSocket client connected", "topics", sub.Topics())

	go func() {
		defer cancel()

		session.read(ctx)
	}()

	session.push(ctx)

	cancel()
	h.services.Hub.Unsubscribe(sub.ID)
	_ = conn.Close()

	logger.DebugKV(ctx, "WebSocket client disconnected", "dropped", sub.Dropped())
}

// streamSession is one connected WebSocket client.
type streamSession struct {
	// conn is the client connection.
	conn *websocket.Conn
	// sub is the hub subscription feeding the client.
	sub *broadcast.Subscription
	// writeTimeout bounds a single write.
	writeTimeout time.Duration
	// writeMu serializes writers; the connection supports one at a time.
	writeMu sync.Mutex
}

// push forwards queued broadcasts to the client.
func (s *streamSession) push(ctx context.Context) {
	for {
		message, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				s.closeWith(websocket.CloseGoingAway, "subscription closed")
			}

			return
		}

		if err = s.write(message); err != nil {
			logger.DebugKV(ctx, "WebSocket write failed", "error", err)

			return
		}
	}
}

// read handles control messages until the client disconnects.
func (s *streamSession) read(ctx context.Context) {
	s.conn.SetPongHandler(func(string) error {
		s.sub.Touch()

		return nil
	})

	for {
		var message controlMessage
		if err := s.conn.ReadJSON(&message); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				logger.DebugKV(ctx, "WebSocket read stopped", "error", err)
			}

			return
		}

		s.sub.Touch()

		var reply controlReply

		switch message.Type {
		case controlSubscribe:
			filters := message.Filters
			reply = controlReply{
				Type:           controlSubscribed,
				SubscriptionID: s.sub.ID,
				Topics:         s.sub.Update(message.Topics, filters),
				Filters:        &filters,
			}
		case controlPing:
			reply = controlReply{Type: controlPong}
		default:
			reply = controlReply{Type: controlError, Message: "unknown message type " + message.Type}
		}

		reply.Timestamp = time.Now().UTC()

		if err := s.write(reply); err != nil {
			return
		}
	}
}

func (s *streamSession) write(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))

	return s.conn.WriteJSON(payload)
}

func (s *streamSession) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.writeTimeout),
	)
}
