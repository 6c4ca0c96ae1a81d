package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	// Register the postgres driver for database/sql.
	_ "github.com/lib/pq"

	mqttapi "github.com/oshokin/overwatch/internal/api/mqtt"
	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/logger"
	alarmrepo "github.com/oshokin/overwatch/internal/repository/alarm"
	"github.com/oshokin/overwatch/internal/repository/attempt"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
	alarmsvc "github.com/oshokin/overwatch/internal/service/alarm"
	"github.com/oshokin/overwatch/internal/service/automation"
	"github.com/oshokin/overwatch/internal/service/broadcast"
	"github.com/oshokin/overwatch/internal/service/correlator"
	"github.com/oshokin/overwatch/internal/service/keylock"
	"github.com/oshokin/overwatch/internal/service/notify"
	"github.com/oshokin/overwatch/internal/service/pipeline"
	"github.com/oshokin/overwatch/internal/service/relay"
	"github.com/oshokin/overwatch/internal/service/rules"
)

// service owns every long-lived component of one overwatch node.
// It is unexported to keep the transports decoupled from the wiring.
type service struct {
	// settings is the validated configuration.
	settings *config.Config
	// log is the structured logger handed to components that take one.
	log *zap.Logger

	// db is the Postgres pool; nil with the memory driver.
	db *sql.DB
	// redis is the lock backend client; nil with local locks.
	redis *redis.Client
	// bus is the NATS connection; nil when relaying is off.
	bus *relay.NATSBus
	// mqtt is the broker session; nil when MQTT is off.
	mqtt *mqttapi.Client

	// events is the event store.
	events *eventrepo.Store
	// alarms drives the alarm lifecycle.
	alarms *alarmsvc.Manager
	// rules is the active rule set.
	rules *rules.Engine
	// dispatcher delivers notifications.
	dispatcher *notify.Dispatcher
	// hub fans out live updates.
	hub *broadcast.Hub
	// relay mirrors broadcasts across nodes; nil when relaying is off.
	relay *relay.Relay
	// pipeline processes submitted events.
	pipeline *pipeline.Pipeline
}

// newService builds the component graph. Nothing runs until start.
func newService(ctx context.Context, settings *config.Config, log *zap.Logger) (_ *service, err error) {
	s := &service{
		settings: settings,
		log:      log,
	}

	defer func() {
		if err != nil {
			s.close(ctx)
		}
	}()

	eventRepository, alarmRepository, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	alarmLocks, correlationLocks, err := s.openLocks(ctx)
	if err != nil {
		return nil, err
	}

	attempts, err := s.openAttempts(ctx)
	if err != nil {
		return nil, err
	}

	s.hub = broadcast.NewHub(settings.Broadcast.BufferSize, settings.Broadcast.IdleTimeout)
	s.dispatcher = notify.NewDispatcher(attempts, notify.NewSenders(settings.Notifications, log), notify.Options{
		BaseDelay:     settings.Notifications.BaseDelay,
		MaxDelay:      settings.Notifications.MaxDelay,
		MaxAttempts:   settings.Notifications.MaxAttempts,
		RatePerMinute: settings.Notifications.RatePerMinute,
		SendTimeout:   settings.Timeout,
	})

	s.alarms = alarmsvc.NewManager(alarmRepository, alarmLocks,
		alarmsvc.WithPublisher(s.hub),
		alarmsvc.WithSLADurations(slaDurations(settings.SLADurations())),
		alarmsvc.WithEscalationConfidence(settings.Correlation.EscalationConfidence),
	)

	hooks, err := s.openMQTT(ctx)
	if err != nil {
		return nil, err
	}

	s.rules = rules.NewEngine(s.alarms, s.dispatcher, hooks)

	if _, err = s.rules.LoadDir(ctx, settings.Rules.Directory); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	defaultSeverity, _ := alarm.ParseSeverity(settings.Correlation.DefaultSeverity)

	s.events = eventrepo.NewStore(eventRepository, eventrepo.Directory{
		Sites: settings.Directory.Sites,
		Areas: settings.Directory.Areas,
	})
	s.pipeline = pipeline.New(
		s.events,
		correlator.New(s.alarms, alarmRepository, correlationLocks, settings.Correlation.Window, defaultSeverity),
		s.rules,
		s.hub,
		settings.Pipeline.Workers,
		settings.Pipeline.QueueSize,
	)

	if err = s.openRelay(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// start launches the background workers and subscriptions.
func (s *service) start(ctx context.Context) error {
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	s.pipeline.Start(ctx)

	go s.hub.Run(ctx)
	go s.alarms.RunSLASweeper(ctx, s.settings.SLA.SweepInterval)

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}

	if s.mqtt != nil {
		ingestor := mqttapi.NewIngestor(s.pipeline, s.settings.MQTT.IngestTopic)
		if err := s.mqtt.Subscribe(ctx, ingestor.Topic(), ingestor.Handle); err != nil {
			return fmt.Errorf("subscribe to sensor events: %w", err)
		}

		logger.InfoKV(ctx, "MQTT ingestion enabled", "topic", ingestor.Topic())
	}

	return nil
}

// close stops workers and releases connections in reverse dependency order.
func (s *service) close(ctx context.Context) {
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}

	if s.pipeline != nil {
		s.pipeline.Stop()
	}

	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}

	if s.relay != nil {
		if err := s.relay.Stop(); err != nil && !errors.Is(err, relay.ErrNotStarted) {
			logger.WarnKV(ctx, "Failed to stop relay", "error", err)
		}
	}

	type closer struct {
		name  string
		close func() error
	}

	var closers []closer

	if s.bus != nil {
		closers = append(closers, closer{"nats", s.bus.Close})
	}

	if s.redis != nil {
		closers = append(closers, closer{"redis", s.redis.Close})
	}

	if s.db != nil {
		closers = append(closers, closer{"postgres", s.db.Close})
	}

	for _, c := range closers {
		if err := c.close(); err != nil {
			logger.WarnKV(ctx, "Failed to close connection", "backend", c.name, "error", err)
		}
	}
}

func (s *service) openStorage(ctx context.Context) (eventrepo.Repository, alarmrepo.Repository, error) {
	storage := s.settings.Storage
	if storage.Driver == config.DriverMemory {
		logger.Warn(ctx, "Using in-memory storage, events and alarms are lost on restart")

		return eventrepo.NewMemoryRepository(), alarmrepo.NewMemoryRepository(), nil
	}

	db, err := sql.Open("postgres", storage.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	s.db = db
	db.SetMaxOpenConns(storage.MaxConns)
	db.SetMaxIdleConns(storage.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	if err = db.PingContext(pingCtx); err != nil {
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	events := eventrepo.NewPostgresRepository(db)
	if err = events.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate events: %w", err)
	}

	alarms := alarmrepo.NewPostgresRepository(db)
	if err = alarms.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate alarms: %w", err)
	}

	logger.Info(ctx, "Connected to postgres")

	return events, alarms, nil
}

// openLocks returns separate lockers for alarm mutations and correlation
// keys. Correlation holds its key lock while it creates or links alarms, so
// sharing one striped locker could deadlock on a stripe collision.
func (s *service) openLocks(ctx context.Context) (keylock.Locker, keylock.Locker, error) {
	locking := s.settings.Locking
	if locking.Backend == config.LockLocal {
		return keylock.NewLocal(keylock.DefaultStripes), keylock.NewLocal(keylock.DefaultStripes), nil
	}

	s.redis = redis.NewClient(&redis.Options{Addr: locking.RedisAddress})

	pingCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis %s: %w", locking.RedisAddress, err)
	}

	logger.InfoKV(ctx, "Using redis locks", "redis_addr", locking.RedisAddress)

	return keylock.NewRedis(s.redis, locking.LockTTL), keylock.NewRedis(s.redis, locking.LockTTL), nil
}

func (s *service) openAttempts(ctx context.Context) (attempt.Repository, error) {
	journal := s.settings.Notifications.JournalFile
	if journal == "" {
		return attempt.NewMemoryRepository(), nil
	}

	repository := attempt.NewFileRepository(journal)
	if err := repository.Load(ctx); err != nil {
		return nil, fmt.Errorf("load notification journal: %w", err)
	}

	return repository, nil
}

// openMQTT connects to the broker when configured and returns the automation
// hooks; without a broker hooks are only logged.
func (s *service) openMQTT(ctx context.Context) (rules.Hooks, error) {
	if s.settings.MQTT.Broker == "" {
		return automation.LogHooks{}, nil
	}

	client, err := mqttapi.Connect(ctx, s.settings.MQTT, s.settings.Timeout)
	if err != nil {
		return nil, err
	}

	s.mqtt = client

	return automation.NewMQTTHooks(client, s.settings.MQTT.AutomationPrefix), nil
}

func (s *service) openRelay(ctx context.Context) error {
	url := s.settings.Broadcast.NATSURL
	if url == "" {
		return nil
	}

	bus, err := relay.Connect(ctx, url)
	if err != nil {
		return err
	}

	s.bus = bus
	s.relay = relay.New(bus, s.hub, s.settings.Broadcast.NATSSubjectPrefix)

	return nil
}

func slaDurations(configured map[string]time.Duration) map[alarm.Severity]time.Duration {
	durations := make(map[alarm.Severity]time.Duration, len(configured))

	for name, duration := range configured {
		if severity, ok := alarm.ParseSeverity(name); ok {
			durations[severity] = duration
		}
	}

	return durations
}
