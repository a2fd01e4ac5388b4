package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Control    ControlConfig    `yaml:"control"`
	Occupancy  OccupancyConfig  `yaml:"occupancy"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Presence   PresenceConfig   `yaml:"presence"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Persist    PersistConfig    `yaml:"persist"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Events     EventsConfig     `yaml:"events"`
	Influx     InfluxConfig     `yaml:"influx"`
	Insight    InsightConfig    `yaml:"insight"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RequestIPHeader string   `yaml:"request_ip_header"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	EnableTimescale        bool   `yaml:"enable_timescale"`
	LogQueries             bool   `yaml:"log_queries"`
}

// ControlConfig drives the control loop cadence.
type ControlConfig struct {
	TickSeconds  int           `yaml:"tick_seconds"`
	TickInterval time.Duration `yaml:"-"`
	InboxSize    int           `yaml:"inbox_size"`
}

// OccupancyConfig holds the debounce settings.
type OccupancyConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// SimulatorConfig configures synthetic presence for camera-less rooms.
type SimulatorConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Probability float64 `yaml:"probability"`
	Seed        uint64  `yaml:"seed"` // 0 picks a random seed
}

// PresenceConfig configures camera source supervision.
type PresenceConfig struct {
	StaleAfterSeconds int           `yaml:"stale_after_seconds"`
	StaleAfter        time.Duration `yaml:"-"`
}

// LedgerConfig bounds the in-memory ledger.
type LedgerConfig struct {
	RetainHours int           `yaml:"retain_hours"`
	Retain      time.Duration `yaml:"-"`
}

// PersistConfig configures the asynchronous persistence writer. max_retries
// bounds jobs that may be dropped: unset means 5, 0 means a single attempt.
// Store writes retry until they land regardless.
type PersistConfig struct {
	Workers          int           `yaml:"workers"`
	Retries          *int          `yaml:"max_retries"`
	MaxRetries       int           `yaml:"-"`
	BaseBackoffMilli int           `yaml:"base_backoff_ms"`
	BaseBackoff      time.Duration `yaml:"-"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// MQTTConfig configures the broker used for actuation and presence input.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
}

// EventsConfig configures outbound domain events.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the occupancy transition topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// InfluxConfig configures the hourly bucket export.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// InsightConfig points at the external text-generation service.
type InsightConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset values and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Control.TickSeconds <= 0 {
		cfg.Control.TickSeconds = 5
	}
	cfg.Control.TickInterval = time.Duration(cfg.Control.TickSeconds) * time.Second
	if cfg.Control.InboxSize <= 0 {
		cfg.Control.InboxSize = 256
	}

	if cfg.Occupancy.TimeoutSeconds <= 0 {
		cfg.Occupancy.TimeoutSeconds = 300
	}
	cfg.Occupancy.Timeout = time.Duration(cfg.Occupancy.TimeoutSeconds) * time.Second

	if cfg.Simulator.Probability <= 0 || cfg.Simulator.Probability > 1 {
		cfg.Simulator.Probability = 0.33
	}

	if cfg.Presence.StaleAfterSeconds <= 0 {
		cfg.Presence.StaleAfterSeconds = 120
	}
	cfg.Presence.StaleAfter = time.Duration(cfg.Presence.StaleAfterSeconds) * time.Second

	if cfg.Ledger.RetainHours <= 0 {
		cfg.Ledger.RetainHours = 48
	}
	cfg.Ledger.Retain = time.Duration(cfg.Ledger.RetainHours) * time.Hour

	if cfg.Persist.Workers <= 0 {
		cfg.Persist.Workers = 4
	}
	switch r := cfg.Persist.Retries; {
	case r == nil:
		cfg.Persist.MaxRetries = 5
	case *r < 0:
		cfg.Persist.MaxRetries = 0
	default:
		cfg.Persist.MaxRetries = *r
	}
	if cfg.Persist.BaseBackoffMilli <= 0 {
		cfg.Persist.BaseBackoffMilli = 200
	}
	cfg.Persist.BaseBackoff = time.Duration(cfg.Persist.BaseBackoffMilli) * time.Millisecond

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}

	if cfg.MQTT.Port <= 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "roomwatt"
	}

	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "roomwatt.occupancy"
	}

	if cfg.Insight.TimeoutSeconds <= 0 {
		cfg.Insight.TimeoutSeconds = 20
	}
	cfg.Insight.Timeout = time.Duration(cfg.Insight.TimeoutSeconds) * time.Second

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
