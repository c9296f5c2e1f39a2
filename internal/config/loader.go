package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of Defaults, loads .env if present
// and applies RESOLVER_* environment overrides. An empty path skips the file.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without touching the TOML file. Unset or empty variables are ignored.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "RESOLVER_MODE")
	setStr(&cfg.LogLevel, "RESOLVER_LOG_LEVEL")
	setStr(&cfg.LogFormat, "RESOLVER_LOG_FORMAT")

	// ── Server ──
	setInt(&cfg.Server.Port, "RESOLVER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RESOLVER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RESOLVER_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "RESOLVER_SERVER_ADMIN_KEY")
	setInt(&cfg.Server.RateLimit, "RESOLVER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "RESOLVER_SERVER_RATE_WINDOW")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "RESOLVER_STORAGE_BACKEND")
	setStr(&cfg.Postgres.DSN, "RESOLVER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "RESOLVER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RESOLVER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RESOLVER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RESOLVER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RESOLVER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RESOLVER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RESOLVER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RESOLVER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RESOLVER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RESOLVER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RESOLVER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RESOLVER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RESOLVER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RESOLVER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "RESOLVER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RESOLVER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "RESOLVER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RESOLVER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RESOLVER_S3_REGION")
	setStr(&cfg.S3.Bucket, "RESOLVER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RESOLVER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RESOLVER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RESOLVER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RESOLVER_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Mode, "RESOLVER_LEDGER_MODE")
	setStr(&cfg.Ledger.RPCURL, "RESOLVER_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "RESOLVER_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.PrivateKey, "RESOLVER_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "RESOLVER_LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "RESOLVER_LEDGER_KEY_PASSWORD")
	setDuration(&cfg.Ledger.ConfirmTimeout, "RESOLVER_LEDGER_CONFIRM_TIMEOUT")
	setFloat64(&cfg.Ledger.GasMultiplier, "RESOLVER_LEDGER_GAS_MULTIPLIER")

	// ── Oracle ──
	setStr(&cfg.Oracle.PrimaryURL, "RESOLVER_ORACLE_PRIMARY_URL")
	setStr(&cfg.Oracle.PrimaryAPIKey, "RESOLVER_ORACLE_PRIMARY_API_KEY")
	setStr(&cfg.Oracle.SecondaryURL, "RESOLVER_ORACLE_SECONDARY_URL")
	setStr(&cfg.Oracle.SecondaryAPIKey, "RESOLVER_ORACLE_SECONDARY_API_KEY")
	setFloat64(&cfg.Oracle.SecondaryDiscount, "RESOLVER_ORACLE_SECONDARY_DISCOUNT")
	setDuration(&cfg.Oracle.Timeout, "RESOLVER_ORACLE_TIMEOUT")

	// ── Resolution ──
	setDuration(&cfg.Resolution.DisputeWindow, "RESOLVER_RESOLUTION_DISPUTE_WINDOW")
	setInt(&cfg.Resolution.AutoThreshold, "RESOLVER_RESOLUTION_AUTO_THRESHOLD")
	setInt(&cfg.Resolution.MaxRetries, "RESOLVER_RESOLUTION_MAX_RETRIES")
	setDuration(&cfg.Resolution.RetryBackoff, "RESOLVER_RESOLUTION_RETRY_BACKOFF")
	setDuration(&cfg.Resolution.SweepInterval, "RESOLVER_RESOLUTION_SWEEP_INTERVAL")
	setBool(&cfg.Resolution.AutoFinalize, "RESOLVER_RESOLUTION_AUTO_FINALIZE")

	// ── Dispute ──
	setStr(&cfg.Dispute.BaseBond, "RESOLVER_DISPUTE_BASE_BOND")
	setInt(&cfg.Dispute.RateLimit, "RESOLVER_DISPUTE_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RESOLVER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RESOLVER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RESOLVER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RESOLVER_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "RESOLVER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "RESOLVER_ARCHIVE_INTERVAL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
