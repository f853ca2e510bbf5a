// Package config defines the top-level configuration for the funding
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUNDARB_* environment variables.
type Config struct {
	VenueA   VenueConfig    `toml:"venue_a"`
	VenueB   VenueConfig    `toml:"venue_b"`
	Engine   EngineConfig   `toml:"engine"`
	Executor ExecutorConfig `toml:"executor"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VenueConfig holds one exchange's connection parameters. The engine pairs
// venue_a (the shorter settlement interval) against venue_b.
type VenueConfig struct {
	Name           string  `toml:"name"`
	BaseURL        string  `toml:"base_url"`
	WsURL          string  `toml:"ws_url"`
	ApiKey         string  `toml:"api_key"`
	RequestsPerSec float64 `toml:"requests_per_sec"`
	Burst          int     `toml:"burst"`
}

// EngineConfig holds the evaluation-loop parameters.
type EngineConfig struct {
	Symbols          []string `toml:"symbols"`
	EvalInterval     duration `toml:"eval_interval"`
	StalenessBound   duration `toml:"staleness_bound"`
	MinProfitPerHour float64  `toml:"min_profit_per_hour"`
	PositionSize     float64  `toml:"position_size"`
	MaxPositions     int      `toml:"max_positions"`
	AutoExecute      bool     `toml:"auto_execute"`
	StreamQuotes     bool     `toml:"stream_quotes"`
}

// ExecutorConfig holds the dual-venue order placement parameters.
type ExecutorConfig struct {
	// MakerOffsets are the escalating price offsets for successive maker
	// rounds, as fractions of mid (e.g. 0.0001 = 1 bps).
	MakerOffsets []float64 `toml:"maker_offsets"`
	PollInterval duration  `toml:"poll_interval"`
	WaitWindow   duration  `toml:"wait_window"`
	VenueRetries int       `toml:"venue_retries"`
	RetryBackoff duration  `toml:"retry_backoff"`
	LockTTL      duration  `toml:"lock_ttl"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for rate archives.
type S3Config struct {
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseSSL               bool   `toml:"use_ssl"`
	ForcePathStyle       bool   `toml:"force_path_style"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		VenueA: VenueConfig{
			Name:           "alpha",
			RequestsPerSec: 10,
			Burst:          5,
		},
		VenueB: VenueConfig{
			Name:           "beta",
			RequestsPerSec: 10,
			Burst:          5,
		},
		Engine: EngineConfig{
			Symbols:          []string{"BTCUSDT"},
			EvalInterval:     duration{1 * time.Minute},
			StalenessBound:   duration{5 * time.Minute},
			MinProfitPerHour: 0,
			PositionSize:     0.01,
			MaxPositions:     1,
			AutoExecute:      false,
			StreamQuotes:     true,
		},
		Executor: ExecutorConfig{
			MakerOffsets: []float64{0.0001, 0.0002, 0.0005},
			PollInterval: duration{5 * time.Second},
			WaitWindow:   duration{30 * time.Second},
			VenueRetries: 3,
			RetryBackoff: duration{1 * time.Second},
			LockTTL:      duration{5 * time.Minute},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "fundarb-data",
			UseSSL:               false,
			ForcePathStyle:       true,
			ArchiveRetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_detected", "position_opened", "position_closed", "hedge_emergency", "error"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":      true,
	"monitor":  true,
	"backfill": true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor, backfill)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	for _, v := range []struct {
		section string
		cfg     VenueConfig
	}{
		{"venue_a", c.VenueA},
		{"venue_b", c.VenueB},
	} {
		if v.cfg.Name == "" {
			errs = append(errs, v.section+": name must not be empty")
		}
		if v.cfg.BaseURL == "" {
			errs = append(errs, v.section+": base_url must not be empty")
		}
		if v.cfg.RequestsPerSec <= 0 {
			errs = append(errs, v.section+": requests_per_sec must be > 0")
		}
	}
	if c.VenueA.Name != "" && c.VenueA.Name == c.VenueB.Name {
		errs = append(errs, "venue_a and venue_b must have distinct names")
	}

	// Engine
	if len(c.Engine.Symbols) == 0 {
		errs = append(errs, "engine: symbols must not be empty")
	}
	if c.Engine.EvalInterval.Duration <= 0 {
		errs = append(errs, "engine: eval_interval must be > 0")
	}
	if c.Engine.StalenessBound.Duration <= 0 {
		errs = append(errs, "engine: staleness_bound must be > 0")
	}
	if c.Engine.MinProfitPerHour < 0 {
		errs = append(errs, "engine: min_profit_per_hour must be >= 0")
	}
	if c.Engine.PositionSize <= 0 {
		errs = append(errs, "engine: position_size must be > 0")
	}
	if c.Engine.MaxPositions < 1 {
		errs = append(errs, "engine: max_positions must be >= 1")
	}

	// Executor
	if len(c.Executor.MakerOffsets) == 0 {
		errs = append(errs, "executor: maker_offsets must not be empty")
	}
	for i, off := range c.Executor.MakerOffsets {
		if off <= 0 || off >= 1 {
			errs = append(errs, fmt.Sprintf("executor: maker_offsets[%d] must be in (0, 1), got %g", i, off))
		}
		if i > 0 && off <= c.Executor.MakerOffsets[i-1] {
			errs = append(errs, "executor: maker_offsets must be strictly increasing")
		}
	}
	if c.Executor.PollInterval.Duration <= 0 {
		errs = append(errs, "executor: poll_interval must be > 0")
	}
	if c.Executor.WaitWindow.Duration < c.Executor.PollInterval.Duration {
		errs = append(errs, "executor: wait_window must be >= poll_interval")
	}
	if c.Executor.VenueRetries < 1 {
		errs = append(errs, "executor: venue_retries must be >= 1")
	}
	if c.Executor.LockTTL.Duration <= 0 {
		errs = append(errs, "executor: lock_ttl must be > 0")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.S3.ArchiveRetentionDays < 1 {
		errs = append(errs, "s3: archive_retention_days must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
