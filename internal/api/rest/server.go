package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
	alarmrepo "github.com/oshokin/overwatch/internal/repository/alarm"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
	"github.com/oshokin/overwatch/internal/service/broadcast"
	"github.com/oshokin/overwatch/internal/service/pipeline"
	"github.com/oshokin/overwatch/internal/version"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20
	// defaultActor is recorded when a request does not name an operator.
	defaultActor = "api"
)

var errMalformedBody = errors.New("request body is not valid JSON")

// Submitter ingests events.
type Submitter interface {
	Submit(ctx context.Context, e *event.Event) (*pipeline.Result, error)
}

// EventReader reads persisted events.
type EventReader interface {
	Get(ctx context.Context, id string) (*event.Event, error)
	Query(ctx context.Context, q eventrepo.Query) (*eventrepo.Page, error)
	Count(ctx context.Context, q eventrepo.Query) (int, error)
}

// AlarmService is the alarm lifecycle the API drives.
type AlarmService interface {
	Get(ctx context.Context, alarmID string) (*alarm.Alarm, error)
	List(ctx context.Context, filter alarmrepo.Filter) ([]*alarm.Alarm, error)
	History(ctx context.Context, alarmID string) ([]alarm.HistoryRecord, error)
	Acknowledge(ctx context.Context, alarmID, actor string) (*alarm.Alarm, error)
	Assign(ctx context.Context, alarmID, operator, actor string) (*alarm.Alarm, error)
	Transition(ctx context.Context, alarmID string, to alarm.State, actor, note string) (*alarm.Alarm, error)
	Reopen(ctx context.Context, alarmID, actor, note string) (*alarm.Alarm, error)
	AddNote(ctx context.Context, alarmID, actor, note string) (*alarm.Alarm, error)
	UpdateSeverity(ctx context.Context, alarmID string, severity alarm.Severity, actor, note string) (*alarm.Alarm, error)
}

// RuleService manages the active rule set.
type RuleService interface {
	Add(r *rule.Rule) error
	Replace(r *rule.Rule) error
	Delete(id string) error
	SetEnabled(id string, enabled bool) (*rule.Rule, error)
	Get(id string) (*rule.Rule, error)
	List() []*rule.Rule
}

// Services are the collaborators behind the API.
type Services struct {
	// Events reads stored events.
	Events EventReader
	// Submitter ingests new events.
	Submitter Submitter
	// Alarms drives the alarm lifecycle.
	Alarms AlarmService
	// Rules manages the rule set.
	Rules RuleService
	// Hub fans out live updates to WebSocket clients.
	Hub *broadcast.Hub
}

// Handler serves the HTTP surface.
type Handler struct {
	// services are the domain collaborators.
	services Services
	// log receives request logs.
	log *zap.Logger
	// upgrader turns /ws requests into WebSocket connections.
	upgrader websocket.Upgrader
	// writeTimeout bounds a single WebSocket write.
	writeTimeout time.Duration
}

// NewHandler creates the HTTP handler.
func NewHandler(services Services, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}

	return &Handler{
		services:     services,
		log:          log.Named("http"),
		writeTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.stream)

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.listEvents)
			r.Post("/", h.submitEvent)
			r.Get("/count", h.countEvents)
			r.Get("/{id}", h.getEvent)
		})

		r.Route("/alarms", func(r chi.Router) {
			r.Get("/", h.listAlarms)
			r.Get("/{id}", h.getAlarm)
			r.Get("/{id}/history", h.alarmHistory)
			r.Post("/{id}/ack", h.acknowledgeAlarm)
			r.Post("/{id}/assign", h.assignAlarm)
			r.Post("/{id}/transition", h.transitionAlarm)
			r.Post("/{id}/reopen", h.reopenAlarm)
			r.Post("/{id}/notes", h.addNote)
			r.Post("/{id}/severity", h.updateSeverity)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.updateRule)
			r.Delete("/{id}", h.deleteRule)
			r.Post("/{id}/enable", h.enableRule)
			r.Post("/{id}/disable", h.disableRule)
		})

		r.Post("/streams/{camera_id}/status", h.streamStatus)
	})

	return r
}

// NewServer wraps the handler into an http.Server listening on address.
func NewServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
	})
}

// requestLogger scopes a logger with the request id into the request context
// and logs the outcome of every request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := middleware.GetReqID(r.Context())

		scoped := h.log.With(zap.String("request_id", requestID))
		ctx := logger.ToContext(r.Context(), scoped.Sugar())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		scoped.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}

	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}

	return value, true
}

func actorOr(actor string) string {
	if actor == "" {
		return defaultActor
	}

	return actor
}
