package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"

	PresenceRedis   = "redis"
	PresenceWebhook = "webhook"
	PresenceNone    = "none"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Scanner   ScannerConfig
	Planner   PlannerConfig
	Retention RetentionConfig
	Consumer  ConsumerConfig
	Presence  PresenceConfig
	Users     UsersConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	StoreDriver string
	ChatBackend string
	PostgresURL string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// TTL of the delivered-marker cache entries.
	TTL time.Duration
}

type QueueConfig struct {
	Name                string
	TTL                 time.Duration
	MaxDeliveries       int
	Visibility          time.Duration
	RetryDelay          time.Duration
	MaintenanceInterval time.Duration
}

type ScannerConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxRetries        int
	ReconcileInterval time.Duration
	ReconcileStale    time.Duration
}

type PlannerConfig struct {
	Cron string
	// Location applies to both PLANNER_CRON and RETENTION_CRON.
	Location *time.Location
}

type RetentionConfig struct {
	Cron   string
	Window time.Duration
}

type ConsumerConfig struct {
	Workers   int
	WarnAfter time.Duration
}

type PresenceConfig struct {
	Backend       string
	WebhookURL    string
	ChannelPrefix string
}

type UsersConfig struct {
	// Static is a "id[=Display Name],..." list; when set it replaces the users table.
	Static string
}

type LoggingConfig struct {
	Level string
	File  string
}

func LoadAll() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			StoreDriver: getEnv("STORE_DRIVER", DriverPostgres),
			ChatBackend: getEnv("CHAT_BACKEND", DriverPostgres),
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Mongo: MongoConfig{
			URI:      os.Getenv("MONGO_URI"),
			Database: getEnv("MONGO_DATABASE", "paired_messaging"),
		},
		Redis: RedisConfig{
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intVar("REDIS_DB", 0),
			TTL:      seconds("DELIVERED_CACHE_TTL_SECONDS", 86400),
		},
		Queue: QueueConfig{
			Name:                getEnv("QUEUE_NAME", "scheduled-messages"),
			TTL:                 seconds("QUEUE_TTL_SECONDS", 86400),
			MaxDeliveries:       intVar("QUEUE_MAX_DELIVERIES", 5),
			Visibility:          seconds("QUEUE_VISIBILITY_SECONDS", 300),
			RetryDelay:          seconds("QUEUE_RETRY_DELAY_SECONDS", 30),
			MaintenanceInterval: seconds("QUEUE_MAINTENANCE_SECONDS", 5),
		},
		Scanner: ScannerConfig{
			Interval:          seconds("SCAN_INTERVAL_SECONDS", 60),
			BatchSize:         intVar("SCAN_BATCH_SIZE", 500),
			MaxRetries:        intVar("MAX_RETRIES", 3),
			ReconcileInterval: seconds("RECONCILE_INTERVAL_SECONDS", 300),
			ReconcileStale:    seconds("RECONCILE_STALE_SECONDS", 3600),
		},
		Planner: PlannerConfig{
			Cron: getEnv("PLANNER_CRON", "0 0 * * *"),
		},
		Retention: RetentionConfig{
			Cron:   getEnv("RETENTION_CRON", "0 3 * * *"),
			Window: time.Duration(intVar("RETENTION_DAYS", 30)) * 24 * time.Hour,
		},
		Consumer: ConsumerConfig{
			Workers:   intVar("CONSUMER_WORKERS", 1),
			WarnAfter: seconds("HANDLER_WARN_SECONDS", 30),
		},
		Presence: PresenceConfig{
			Backend:       getEnv("PRESENCE_BACKEND", PresenceRedis),
			WebhookURL:    os.Getenv("PRESENCE_WEBHOOK_URL"),
			ChannelPrefix: getEnv("PRESENCE_CHANNEL_PREFIX", "presence"),
		},
		Users: UsersConfig{
			Static: os.Getenv("STATIC_USERS"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
	}

	addr, err := requireEnv("REDIS_ADDR")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis.Address = addr

	tz := getEnv("CRON_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid CRON_TIMEZONE %q: %w", tz, err))
		loc = time.UTC
	}
	cfg.Planner.Location = loc

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) []error {
	var errs []error

	switch cfg.Database.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.Database.StoreDriver))
	}
	switch cfg.Database.ChatBackend {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("CHAT_BACKEND must be one of postgres, mongo, memory, got %q", cfg.Database.ChatBackend))
	}
	if (cfg.Database.StoreDriver == DriverPostgres || cfg.Database.ChatBackend == DriverPostgres) && cfg.Database.PostgresURL == "" {
		errs = append(errs, errors.New("missing required env var: POSTGRES_URL"))
	}
	if cfg.Database.StoreDriver == DriverMemory && cfg.Database.PostgresURL == "" && cfg.Users.Static == "" {
		errs = append(errs, errors.New("STATIC_USERS is required when no POSTGRES_URL is set"))
	}
	if cfg.Database.ChatBackend == DriverMongo && cfg.Mongo.URI == "" {
		errs = append(errs, errors.New("missing required env var: MONGO_URI"))
	}

	switch cfg.Presence.Backend {
	case PresenceRedis, PresenceNone:
	case PresenceWebhook:
		if cfg.Presence.WebhookURL == "" {
			errs = append(errs, errors.New("missing required env var: PRESENCE_WEBHOOK_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("PRESENCE_BACKEND must be one of redis, webhook, none, got %q", cfg.Presence.Backend))
	}

	positive := []struct {
		key string
		val int64
	}{
		{"SCAN_INTERVAL_SECONDS", int64(cfg.Scanner.Interval)},
		{"SCAN_BATCH_SIZE", int64(cfg.Scanner.BatchSize)},
		{"MAX_RETRIES", int64(cfg.Scanner.MaxRetries)},
		{"RECONCILE_INTERVAL_SECONDS", int64(cfg.Scanner.ReconcileInterval)},
		{"RECONCILE_STALE_SECONDS", int64(cfg.Scanner.ReconcileStale)},
		{"QUEUE_TTL_SECONDS", int64(cfg.Queue.TTL)},
		{"QUEUE_MAX_DELIVERIES", int64(cfg.Queue.MaxDeliveries)},
		{"QUEUE_VISIBILITY_SECONDS", int64(cfg.Queue.Visibility)},
		{"QUEUE_MAINTENANCE_SECONDS", int64(cfg.Queue.MaintenanceInterval)},
		{"RETENTION_DAYS", int64(cfg.Retention.Window)},
		{"CONSUMER_WORKERS", int64(cfg.Consumer.Workers)},
		{"HANDLER_WARN_SECONDS", int64(cfg.Consumer.WarnAfter)},
		{"DELIVERED_CACHE_TTL_SECONDS", int64(cfg.Redis.TTL)},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if cfg.Queue.RetryDelay < 0 {
		errs = append(errs, errors.New("QUEUE_RETRY_DELAY_SECONDS must be >= 0"))
	}

	for key, spec := range map[string]string{"PLANNER_CRON": cfg.Planner.Cron, "RETENTION_CRON": cfg.Retention.Cron} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, spec, err))
		}
	}

	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
