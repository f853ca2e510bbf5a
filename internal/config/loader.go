package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUNDARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUNDARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	setStr(&cfg.VenueA.Name, "FUNDARB_VENUE_A_NAME")
	setStr(&cfg.VenueA.BaseURL, "FUNDARB_VENUE_A_BASE_URL")
	setStr(&cfg.VenueA.WsURL, "FUNDARB_VENUE_A_WS_URL")
	setStr(&cfg.VenueA.ApiKey, "FUNDARB_VENUE_A_API_KEY")
	setFloat64(&cfg.VenueA.RequestsPerSec, "FUNDARB_VENUE_A_REQUESTS_PER_SEC")
	setInt(&cfg.VenueA.Burst, "FUNDARB_VENUE_A_BURST")
	setStr(&cfg.VenueB.Name, "FUNDARB_VENUE_B_NAME")
	setStr(&cfg.VenueB.BaseURL, "FUNDARB_VENUE_B_BASE_URL")
	setStr(&cfg.VenueB.WsURL, "FUNDARB_VENUE_B_WS_URL")
	setStr(&cfg.VenueB.ApiKey, "FUNDARB_VENUE_B_API_KEY")
	setFloat64(&cfg.VenueB.RequestsPerSec, "FUNDARB_VENUE_B_REQUESTS_PER_SEC")
	setInt(&cfg.VenueB.Burst, "FUNDARB_VENUE_B_BURST")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Symbols, "FUNDARB_ENGINE_SYMBOLS")
	setDuration(&cfg.Engine.EvalInterval, "FUNDARB_ENGINE_EVAL_INTERVAL")
	setDuration(&cfg.Engine.StalenessBound, "FUNDARB_ENGINE_STALENESS_BOUND")
	setFloat64(&cfg.Engine.MinProfitPerHour, "FUNDARB_ENGINE_MIN_PROFIT_PER_HOUR")
	setFloat64(&cfg.Engine.PositionSize, "FUNDARB_ENGINE_POSITION_SIZE")
	setInt(&cfg.Engine.MaxPositions, "FUNDARB_ENGINE_MAX_POSITIONS")
	setBool(&cfg.Engine.AutoExecute, "FUNDARB_ENGINE_AUTO_EXECUTE")
	setBool(&cfg.Engine.StreamQuotes, "FUNDARB_ENGINE_STREAM_QUOTES")

	// ── Executor ──
	setFloatSlice(&cfg.Executor.MakerOffsets, "FUNDARB_EXECUTOR_MAKER_OFFSETS")
	setDuration(&cfg.Executor.PollInterval, "FUNDARB_EXECUTOR_POLL_INTERVAL")
	setDuration(&cfg.Executor.WaitWindow, "FUNDARB_EXECUTOR_WAIT_WINDOW")
	setInt(&cfg.Executor.VenueRetries, "FUNDARB_EXECUTOR_VENUE_RETRIES")
	setDuration(&cfg.Executor.RetryBackoff, "FUNDARB_EXECUTOR_RETRY_BACKOFF")
	setDuration(&cfg.Executor.LockTTL, "FUNDARB_EXECUTOR_LOCK_TTL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "FUNDARB_DATABASE_DSN")
	setStr(&cfg.Database.Host, "FUNDARB_DATABASE_HOST")
	setInt(&cfg.Database.Port, "FUNDARB_DATABASE_PORT")
	setStr(&cfg.Database.Database, "FUNDARB_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "FUNDARB_DATABASE_USER")
	setStr(&cfg.Database.Password, "FUNDARB_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "FUNDARB_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "FUNDARB_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "FUNDARB_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "FUNDARB_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUNDARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUNDARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUNDARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUNDARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUNDARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUNDARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUNDARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUNDARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUNDARB_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.ArchiveRetentionDays, "FUNDARB_S3_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUNDARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUNDARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUNDARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUNDARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUNDARB_MODE")
	setStr(&cfg.LogLevel, "FUNDARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setFloatSlice(dst *[]float64, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		parsed := make([]float64, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return
			}
			parsed = append(parsed, f)
		}
		if len(parsed) > 0 {
			*dst = parsed
		}
	}
}
