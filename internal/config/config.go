package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the Overwatch server and CLI.
type Config struct {
	// HTTPAddress is the REST, WebSocket and metrics listen address.
	HTTPAddress string `yaml:"http_addr"`
	// GRPCAddress is the gRPC ingestion listen address.
	GRPCAddress string `yaml:"grpc_addr"`
	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat selects the console or json encoder.
	LogFormat string `yaml:"log_format"`
	// Timeout bounds client RPC calls and HTTP server reads.
	Timeout time.Duration `yaml:"timeout"`
	// SingleInstance refuses to start when another server runs on the host.
	SingleInstance bool `yaml:"single_instance"`
	// Storage configures the event and alarm stores.
	Storage Storage `yaml:"storage"`
	// Locking configures correlation key locks.
	Locking Locking `yaml:"locking"`
	// Correlation configures event grouping.
	Correlation Correlation `yaml:"correlation"`
	// SLA configures alarm deadlines.
	SLA SLA `yaml:"sla"`
	// Rules configures rule loading.
	Rules Rules `yaml:"rules"`
	// Notifications configures delivery channels and retries.
	Notifications Notifications `yaml:"notifications"`
	// Broadcast configures real-time fan-out.
	Broadcast Broadcast `yaml:"broadcast"`
	// MQTT configures sensor ingestion and automation hooks over MQTT.
	MQTT MQTT `yaml:"mqtt"`
	// Pipeline configures asynchronous processing.
	Pipeline Pipeline `yaml:"pipeline"`
	// Directory maps site and area identifiers to display names.
	Directory Directory `yaml:"directory"`
}

// Storage selects where events and alarms live.
type Storage struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// MaxConns caps open database connections.
	MaxConns int `yaml:"max_conns"`
}

// Locking selects how correlation keys are serialized.
type Locking struct {
	// Backend is "local" for a single node or "redis" for a cluster.
	Backend string `yaml:"backend"`
	// RedisAddress is the Redis server address.
	RedisAddress string `yaml:"redis_addr"`
	// LockTTL bounds how long a crashed owner can hold a key.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Correlation configures how events are grouped into alarms.
type Correlation struct {
	// Window is how long after creation an alarm keeps absorbing events.
	Window time.Duration `yaml:"window"`
	// DefaultSeverity is used when an event does not carry one.
	DefaultSeverity string `yaml:"default_severity"`
	// EscalationConfidence is the running confidence above which a linked
	// event raises the alarm severity one step. Set 1 to disable.
	EscalationConfidence float64 `yaml:"escalation_confidence"`
}

// SLA configures alarm deadlines.
type SLA struct {
	// Durations maps severity to the time allowed until resolution.
	Durations map[string]time.Duration `yaml:"durations"`
	// SweepInterval is how often overdue alarms are flagged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Rules configures rule loading.
type Rules struct {
	// Directory holds *.yaml rule files loaded at startup.
	Directory string `yaml:"dir"`
}

// Notifications configures delivery.
type Notifications struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxAttempts is how many sends are tried before giving up.
	MaxAttempts int `yaml:"max_attempts"`
	// JournalFile persists attempts so retries survive restarts; empty keeps them in memory.
	JournalFile string `yaml:"journal_file"`
	// RatePerMinute caps sends per channel.
	RatePerMinute int `yaml:"rate_per_minute"`
	// WebhookURL is the default webhook endpoint.
	WebhookURL string `yaml:"webhook_url"`
	// PagerURL is the pager events endpoint.
	PagerURL string `yaml:"pager_url"`
	// PagerRoutingKey is the default pager integration key.
	PagerRoutingKey string `yaml:"pager_routing_key"`
	// SMSGatewayURL is the SMS gateway endpoint.
	SMSGatewayURL string `yaml:"sms_gateway_url"`
	// SMSFrom is the sender number.
	SMSFrom string `yaml:"sms_from"`
	// SMTPAddress is the mail relay host:port.
	SMTPAddress string `yaml:"smtp_addr"`
	// SMTPFrom is the envelope sender.
	SMTPFrom string `yaml:"smtp_from"`
	// SMTPUsername enables PLAIN auth when set.
	SMTPUsername string `yaml:"smtp_username"`
	// SMTPPassword is the PLAIN auth password.
	SMTPPassword string `yaml:"smtp_password"`
}

// Broadcast configures real-time fan-out.
type Broadcast struct {
	// BufferSize bounds each subscriber queue.
	BufferSize int `yaml:"buffer_size"`
	// IdleTimeout tears down subscribers without deliveries or client activity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// NATSURL relays broadcasts to other nodes when set.
	NATSURL string `yaml:"nats_url"`
	// NATSSubjectPrefix prefixes relayed subjects.
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
}

// MQTT configures the MQTT broker connection.
type MQTT struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883; empty disables MQTT.
	Broker string `yaml:"broker"`
	// ClientID identifies this node to the broker.
	ClientID string `yaml:"client_id"`
	// Username authenticates against the broker when set.
	Username string `yaml:"username,omitempty"`
	// Password authenticates against the broker when set.
	Password string `yaml:"password,omitempty"`
	// IngestTopic carries JSON events from sensors.
	IngestTopic string `yaml:"ingest_topic"`
	// AutomationPrefix prefixes automation hook topics.
	AutomationPrefix string `yaml:"automation_prefix"`
}

// Pipeline configures asynchronous processing.
type Pipeline struct {
	// Workers is the number of rule and broadcast workers.
	Workers int `yaml:"workers"`
	// QueueSize bounds pending asynchronous work.
	QueueSize int `yaml:"queue_size"`
}

// Directory maps identifiers to display names used by event enrichment.
type Directory struct {
	// Sites maps site id to name.
	Sites map[string]string `yaml:"sites,omitempty"`
	// Areas maps "site/area" or bare area id to name.
	Areas map[string]string `yaml:"areas,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for service settings.
	DefaultConfigFilename = "overwatch.yaml"

	// DefaultHTTPAddress is the default REST listen address.
	DefaultHTTPAddress = ":8080"

	// DefaultGRPCAddress is the default gRPC listen address.
	DefaultGRPCAddress = ":9090"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultFilePermissions is the default file permission for config and journal files.
	DefaultFilePermissions = 0o600

	// DriverMemory keeps events and alarms in process memory.
	DriverMemory = "memory"
	// DriverPostgres stores events and alarms in Postgres.
	DriverPostgres = "postgres"

	// LockLocal serializes correlation keys inside one process.
	LockLocal = "local"
	// LockRedis serializes correlation keys across processes.
	LockRedis = "redis"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errDSNRequired is returned when postgres storage has no DSN.
	errDSNRequired = errors.New("storage.dsn must be provided for postgres")
	// errRedisAddressRequired is returned when redis locking has no address.
	errRedisAddressRequired = errors.New("locking.redis_addr must be provided for redis")
	// errDelayOrder is returned when the retry cap is below the base delay.
	errDelayOrder = errors.New("notifications.max_delay must not be below base_delay")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)

	// Defaults never fail validation.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may hold credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills defaults in place.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	applyDefaults(settings)

	for _, address := range []string{settings.HTTPAddress, settings.GRPCAddress} {
		if _, err := net.ResolveTCPAddr("tcp", address); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", address, err)
		}
	}

	switch settings.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if settings.Storage.DSN == "" {
			return errDSNRequired
		}
	default:
		return fmt.Errorf("unknown storage driver %q", settings.Storage.Driver)
	}

	switch settings.Locking.Backend {
	case LockLocal:
	case LockRedis:
		if settings.Locking.RedisAddress == "" {
			return errRedisAddressRequired
		}
	default:
		return fmt.Errorf("unknown locking backend %q", settings.Locking.Backend)
	}

	if !validSeverity(settings.Correlation.DefaultSeverity) {
		return fmt.Errorf("unknown correlation.default_severity %q", settings.Correlation.DefaultSeverity)
	}

	if settings.Correlation.EscalationConfidence > 1 {
		return fmt.Errorf("correlation.escalation_confidence %v is above 1", settings.Correlation.EscalationConfidence)
	}

	for severity, duration := range settings.SLA.Durations {
		if !validSeverity(severity) {
			return fmt.Errorf("unknown sla severity %q", severity)
		}

		if duration <= 0 {
			return fmt.Errorf("sla duration for %s must be positive", severity)
		}
	}

	if settings.Notifications.MaxDelay < settings.Notifications.BaseDelay {
		return errDelayOrder
	}

	for name, endpoint := range map[string]string{
		"notifications.webhook_url":     settings.Notifications.WebhookURL,
		"notifications.pager_url":       settings.Notifications.PagerURL,
		"notifications.sms_gateway_url": settings.Notifications.SMSGatewayURL,
		"broadcast.nats_url":            settings.Broadcast.NATSURL,
		"mqtt.broker":                   settings.MQTT.Broker,
	} {
		if endpoint == "" {
			continue
		}

		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// SLADurations returns the configured SLA budget per severity.
func (c *Config) SLADurations() map[string]time.Duration {
	return c.SLA.Durations
}

func applyDefaults(settings *Config) {
	setDefault(&settings.HTTPAddress, DefaultHTTPAddress)
	setDefault(&settings.GRPCAddress, DefaultGRPCAddress)
	setDefault(&settings.LogLevel, "info")
	setDefault(&settings.LogFormat, "console")

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	settings.Storage.Driver = strings.ToLower(settings.Storage.Driver)
	setDefault(&settings.Storage.Driver, DriverMemory)

	if settings.Storage.MaxConns <= 0 {
		settings.Storage.MaxConns = 10
	}

	settings.Locking.Backend = strings.ToLower(settings.Locking.Backend)
	setDefault(&settings.Locking.Backend, LockLocal)

	if settings.Locking.LockTTL <= 0 {
		settings.Locking.LockTTL = 5 * time.Second
	}

	if settings.Correlation.Window <= 0 {
		settings.Correlation.Window = 5 * time.Minute
	}

	setDefault(&settings.Correlation.DefaultSeverity, "minor")

	if settings.Correlation.EscalationConfidence <= 0 {
		settings.Correlation.EscalationConfidence = 0.85
	}

	defaultSLA := map[string]time.Duration{
		"critical": time.Hour,
		"major":    2 * time.Hour,
		"minor":    8 * time.Hour,
		"info":     24 * time.Hour,
	}

	if settings.SLA.Durations == nil {
		settings.SLA.Durations = make(map[string]time.Duration, len(defaultSLA))
	}

	for severity, duration := range defaultSLA {
		if _, ok := settings.SLA.Durations[severity]; !ok {
			settings.SLA.Durations[severity] = duration
		}
	}

	if settings.SLA.SweepInterval <= 0 {
		settings.SLA.SweepInterval = 30 * time.Second
	}

	setDefault(&settings.Rules.Directory, "rules")

	notifications := &settings.Notifications
	if notifications.BaseDelay <= 0 {
		notifications.BaseDelay = time.Second
	}

	if notifications.MaxDelay <= 0 {
		notifications.MaxDelay = 5 * time.Minute
	}

	if notifications.MaxAttempts <= 0 {
		notifications.MaxAttempts = 5
	}

	if notifications.RatePerMinute <= 0 {
		notifications.RatePerMinute = 60
	}

	if settings.Broadcast.BufferSize <= 0 {
		settings.Broadcast.BufferSize = 256
	}

	if settings.Broadcast.IdleTimeout <= 0 {
		settings.Broadcast.IdleTimeout = 2 * time.Minute
	}

	setDefault(&settings.Broadcast.NATSSubjectPrefix, "overwatch")
	setDefault(&settings.MQTT.ClientID, "overwatch")
	setDefault(&settings.MQTT.IngestTopic, "overwatch/events")
	setDefault(&settings.MQTT.AutomationPrefix, "overwatch/automation")

	if settings.Pipeline.Workers <= 0 {
		settings.Pipeline.Workers = 4
	}

	if settings.Pipeline.QueueSize <= 0 {
		settings.Pipeline.QueueSize = 1024
	}
}

func setDefault(field *string, value string) {
	*field = strings.TrimSpace(*field)
	if *field == "" {
		*field = value
	}
}

func validSeverity(severity string) bool {
	switch severity {
	case "info", "minor", "major", "critical":
		return true
	default:
		return false
	}
}
