package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Key namespace for Redis; lets several environments share one instance.
	Env      string
	LogLevel string

	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	RedisURL string

	// External provider
	ProviderBaseURL string
	ProviderTimeout time.Duration

	// Rate limiting: maximum jobs per second per queue
	RateLimit int

	Outbox OutboxConfig
	Queue  QueueConfig

	StatsInterval time.Duration
}

type OutboxConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	VisibilityTimeout time.Duration
	StopGrace         time.Duration

	// Queues the default event handlers forward jobs to.
	JobsQueue          string
	NotificationsQueue string
	DeadletterQueue    string
}

type QueueConfig struct {
	Names         []string
	Workers       int
	PopBatch      int
	PollInterval  time.Duration
	FlushInterval time.Duration
	FlushLimit    int
	LockTTL       time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxRetries    int
}

var defaults = map[string]any{
	"APP_ENV":   "dev",
	"LOG_LEVEL": "info",

	"HTTP_PORT":        "8080",
	"READ_TIMEOUT":     5 * time.Second,
	"WRITE_TIMEOUT":    10 * time.Second,
	"SHUTDOWN_TIMEOUT": 30 * time.Second,

	"DB_MAX_CONNS": 25,
	"DB_MIN_CONNS": 5,

	"REDIS_URL": "redis://localhost:6379/0",

	"PROVIDER_BASE_URL": "http://localhost:9090/hooks",
	"PROVIDER_TIMEOUT":  10 * time.Second,

	"RATE_LIMIT_PER_QUEUE": 100,

	"OUTBOX_POLL_INTERVAL":       time.Second,
	"OUTBOX_BATCH_SIZE":          10,
	"OUTBOX_MAX_RETRIES":         5,
	"OUTBOX_VISIBILITY_TIMEOUT":  30 * time.Second,
	"OUTBOX_STOP_GRACE":          5 * time.Second,
	"OUTBOX_JOBS_QUEUE":          "jobs",
	"OUTBOX_NOTIFICATIONS_QUEUE": "notifications",
	"OUTBOX_DEADLETTER_QUEUE":    "outbox_deadletter",

	"QUEUE_NAMES":          "jobs,notifications",
	"QUEUE_WORKERS":        4,
	"QUEUE_POP_BATCH":      10,
	"QUEUE_POLL_INTERVAL":  time.Second,
	"QUEUE_FLUSH_INTERVAL": time.Second,
	"QUEUE_FLUSH_LIMIT":    100,
	"QUEUE_LOCK_TTL":       30 * time.Second,
	"QUEUE_BACKOFF_BASE":   time.Second,
	"QUEUE_BACKOFF_CAP":    5 * time.Minute,
	"QUEUE_MAX_RETRIES":    3,

	"STATS_INTERVAL": 15 * time.Second,
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	_ = v.BindEnv("DATABASE_URL")

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Env:      v.GetString("APP_ENV"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		HTTPPort:        v.GetString("HTTP_PORT"),
		ReadTimeout:     v.GetDuration("READ_TIMEOUT"),
		WriteTimeout:    v.GetDuration("WRITE_TIMEOUT"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),

		DatabaseURL: dbURL,
		DBMaxConns:  v.GetInt32("DB_MAX_CONNS"),
		DBMinConns:  v.GetInt32("DB_MIN_CONNS"),

		RedisURL: v.GetString("REDIS_URL"),

		ProviderBaseURL: strings.TrimRight(v.GetString("PROVIDER_BASE_URL"), "/"),
		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		RateLimit: v.GetInt("RATE_LIMIT_PER_QUEUE"),

		Outbox: OutboxConfig{
			PollInterval:       v.GetDuration("OUTBOX_POLL_INTERVAL"),
			BatchSize:          v.GetInt("OUTBOX_BATCH_SIZE"),
			MaxRetries:         v.GetInt("OUTBOX_MAX_RETRIES"),
			VisibilityTimeout:  v.GetDuration("OUTBOX_VISIBILITY_TIMEOUT"),
			StopGrace:          v.GetDuration("OUTBOX_STOP_GRACE"),
			JobsQueue:          v.GetString("OUTBOX_JOBS_QUEUE"),
			NotificationsQueue: v.GetString("OUTBOX_NOTIFICATIONS_QUEUE"),
			DeadletterQueue:    v.GetString("OUTBOX_DEADLETTER_QUEUE"),
		},

		Queue: QueueConfig{
			Names:         splitList(v.GetString("QUEUE_NAMES")),
			Workers:       v.GetInt("QUEUE_WORKERS"),
			PopBatch:      v.GetInt("QUEUE_POP_BATCH"),
			PollInterval:  v.GetDuration("QUEUE_POLL_INTERVAL"),
			FlushInterval: v.GetDuration("QUEUE_FLUSH_INTERVAL"),
			FlushLimit:    v.GetInt("QUEUE_FLUSH_LIMIT"),
			LockTTL:       v.GetDuration("QUEUE_LOCK_TTL"),
			BackoffBase:   v.GetDuration("QUEUE_BACKOFF_BASE"),
			BackoffCap:    v.GetDuration("QUEUE_BACKOFF_CAP"),
			MaxRetries:    v.GetInt("QUEUE_MAX_RETRIES"),
		},

		StatsInterval: v.GetDuration("STATS_INTERVAL"),
	}

	// Every queue the outbox forwards to gets workers, or its jobs would
	// never be drained.
	for _, name := range []string{cfg.Outbox.JobsQueue, cfg.Outbox.NotificationsQueue, cfg.Outbox.DeadletterQueue} {
		if name != "" && !lo.Contains(cfg.Queue.Names, name) {
			cfg.Queue.Names = append(cfg.Queue.Names, name)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.Outbox.MaxRetries <= 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_RETRIES must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if len(c.Queue.Names) == 0 {
		errs = append(errs, errors.New("QUEUE_NAMES must list at least one queue"))
	}
	for _, name := range c.Queue.Names {
		if strings.Contains(name, ":") {
			errs = append(errs, fmt.Errorf("queue name %q must not contain ':'", name))
		}
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be positive"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_QUEUE must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Uniq(lo.Compact(parts))
}
