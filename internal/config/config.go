// Package config defines the ledger service configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGER_* environment variables.
type Config struct {
	Storage    string          `toml:"storage"`
	Postgres   PostgresConfig  `toml:"postgres"`
	Redis      RedisConfig     `toml:"redis"`
	S3         S3Config        `toml:"s3"`
	Templates  TemplatesConfig `toml:"templates"`
	Reconcile  ReconcileConfig `toml:"reconcile"`
	Notify     NotifyConfig    `toml:"notify"`
	Metrics    MetricsConfig   `toml:"metrics"`
	Server     ServerConfig    `toml:"server"`
	Mode       string          `toml:"mode"`
	LogLevel   string          `toml:"log_level"`
	ExportCron string          `toml:"export_cron"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnTimeout   duration `toml:"connect_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. With Enabled false the
// process falls back to in-process locks and has no snapshot stream.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the snapshot
// archive and ledger exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TemplatesConfig selects where rule templates are read from.
type TemplatesConfig struct {
	// Source is "file" (a directory of YAML documents) or "postgres".
	Source string `toml:"source"`
	Dir    string `toml:"dir"`
	// CacheTTL enables the Redis read-through cache when Redis is enabled.
	CacheTTL duration `toml:"cache_ttl"`
}

// ReconcileConfig holds the merge and worker tunables.
type ReconcileConfig struct {
	StaleAfter        int      `toml:"stale_after"`
	OpenTimeTolerance duration `toml:"open_time_tolerance"`
	LockTTL           duration `toml:"lock_ttl"`
	LockWait          duration `toml:"lock_wait"`
	Workers           int      `toml:"workers"`
	Stream            string   `toml:"stream"`
	DeadLetterStream  string   `toml:"dead_letter_stream"`
	StartID           string   `toml:"start_id"`
	EventsChannel     string   `toml:"events_channel"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryDelay        duration `toml:"retry_delay"`
	// RatePerMinute caps passes per account per minute. Zero disables it.
	RatePerMinute int `toml:"rate_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus collectors and the /metrics route.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	APIKey        string `toml:"api_key"`
	RatePerMinute int    `toml:"rate_per_minute"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Storage: "postgres",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			ConnTimeout:   duration{10 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "ledger",
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ledger-archive",
			ForcePathStyle: true,
		},
		Templates: TemplatesConfig{
			Source:   "file",
			Dir:      "templates",
			CacheTTL: duration{5 * time.Minute},
		},
		Reconcile: ReconcileConfig{
			StaleAfter:       2,
			LockTTL:          duration{30 * time.Second},
			LockWait:         duration{10 * time.Second},
			Workers:          4,
			Stream:           "ledger:snapshots",
			DeadLetterStream: "ledger:snapshots:dead",
			StartID:          "$",
			EventsChannel:    "ledger.events",
			MaxAttempts:      3,
			RetryDelay:       duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"phase_transition", "account_failed"},
		},
		Metrics: MetricsConfig{Enabled: true},
		Server: ServerConfig{
			Enabled:       true,
			Addr:          ":8080",
			RatePerMinute: 600,
		},
		Mode:       "worker",
		LogLevel:   "info",
		ExportCron: "",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker": true,
	"apply":  true,
	"import": true,
	"replay": true,
	"admin":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, apply, import, replay, admin)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Storage {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
		if mode == "worker" {
			errs = append(errs, "storage: memory storage cannot back the worker mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if mode == "worker" {
		errs = append(errs, "redis: worker mode needs redis.enabled")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	} else {
		if mode == "replay" {
			errs = append(errs, "s3: replay mode needs s3.enabled")
		}
		if c.ExportCron != "" {
			errs = append(errs, "s3: export_cron needs s3.enabled")
		}
	}

	switch c.Templates.Source {
	case "file":
		if c.Templates.Dir == "" {
			errs = append(errs, "templates: dir must not be empty for source file")
		}
	case "postgres":
		if c.Storage != "postgres" {
			errs = append(errs, "templates: source postgres needs storage postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("templates: unknown source %q (valid: file, postgres)", c.Templates.Source))
	}

	r := c.Reconcile
	if r.StaleAfter < 1 {
		errs = append(errs, "reconcile: stale_after must be >= 1")
	}
	if r.OpenTimeTolerance.Duration < 0 {
		errs = append(errs, "reconcile: open_time_tolerance must not be negative")
	}
	if r.LockTTL.Duration <= 0 {
		errs = append(errs, "reconcile: lock_ttl must be > 0")
	}
	if r.LockWait.Duration < 0 {
		errs = append(errs, "reconcile: lock_wait must not be negative")
	}
	if r.Workers < 1 {
		errs = append(errs, "reconcile: workers must be >= 1")
	}
	if mode == "worker" && r.Stream == "" {
		errs = append(errs, "reconcile: stream must not be empty for worker mode")
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, "reconcile: max_attempts must be >= 1")
	}
	if r.RatePerMinute < 0 {
		errs = append(errs, "reconcile: rate_per_minute must be >= 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
