// Package config defines the resolver's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RESOLVER_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	LogFormat  string           `toml:"log_format"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Oracle     OracleConfig     `toml:"oracle"`
	Resolution ResolutionConfig `toml:"resolution"`
	Dispute    DisputeConfig    `toml:"dispute"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards every route except health. AdminKey additionally guards
	// resolution, override and review routes. Empty disables the check.
	APIKey     string   `toml:"api_key"`
	AdminKey   string   `toml:"admin_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// StorageConfig selects the status store backend: "memory" or "postgres".
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. Without Redis the resolver
// runs single-replica: in-process locks, no bus, no API rate limit.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	MarketTTL  duration `toml:"market_ttl"`
}

// S3Config holds object storage parameters for evidence and the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// LedgerConfig selects and tunes the settlement ledger. Mode "evm" talks to a
// JSON-RPC endpoint; "dry_run" uses the in-memory ledger.
type LedgerConfig struct {
	Mode             string   `toml:"mode"`
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	CallTimeout      duration `toml:"call_timeout"`
	ConfirmTimeout   duration `toml:"confirm_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	GasMultiplier    float64  `toml:"gas_multiplier"`
}

// OracleConfig points at the confidence oracles.
type OracleConfig struct {
	PrimaryURL        string   `toml:"primary_url"`
	PrimaryAPIKey     string   `toml:"primary_api_key"`
	SecondaryURL      string   `toml:"secondary_url"`
	SecondaryAPIKey   string   `toml:"secondary_api_key"`
	SecondaryDiscount float64  `toml:"secondary_discount"`
	Timeout           duration `toml:"timeout"`
	EvidenceMaxItems  int      `toml:"evidence_max_items"`
	EvidenceMaxBytes  int64    `toml:"evidence_max_bytes"`
}

// ResolutionConfig holds the protocol constants and task cadence.
type ResolutionConfig struct {
	DisputeWindow       duration `toml:"dispute_window"`
	AutoThreshold       int      `toml:"auto_threshold"`
	LowPriorityFloor    int      `toml:"low_priority_floor"`
	MediumPriorityFloor int      `toml:"medium_priority_floor"`
	MaxRetries          int      `toml:"max_retries"`
	RetryBackoff        duration `toml:"retry_backoff"`
	RetryMaxBackoff     duration `toml:"retry_max_backoff"`
	RetryTick           duration `toml:"retry_tick"`
	SweepInterval       duration `toml:"sweep_interval"`
	FinalizeInterval    duration `toml:"finalize_interval"`
	LockTTL             duration `toml:"lock_ttl"`
	AutoFinalize        bool     `toml:"auto_finalize"`
}

// DisputeConfig holds bond sizing and submission limits.
type DisputeConfig struct {
	BaseBond          string   `toml:"base_bond"`
	MinHistory        int      `toml:"min_history"`
	MinReputation     float64  `toml:"min_reputation"`
	PenaltyMultiplier float64  `toml:"penalty_multiplier"`
	ExpireInterval    duration `toml:"expire_interval"`
	// Per-user limit on dispute submissions.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig schedules the monthly resolution archive upload.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "168h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the protocol defaults. It runs
// entirely in memory against the dry-run ledger.
func Defaults() Config {
	return Config{
		Mode:      "full",
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "resolver",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "resolver",
			MarketTTL:  duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "resolver-data",
			ForcePathStyle: true,
			PartSizeMB:     8,
		},
		Ledger: LedgerConfig{
			Mode:           "dry_run",
			ChainID:        296,
			CallTimeout:    duration{30 * time.Second},
			ConfirmTimeout: duration{60 * time.Second},
			PollInterval:   duration{2 * time.Second},
			GasMultiplier:  1.2,
		},
		Oracle: OracleConfig{
			PrimaryURL:        "http://localhost:8090",
			SecondaryDiscount: 0.8,
			Timeout:           duration{30 * time.Second},
			EvidenceMaxItems:  20,
			EvidenceMaxBytes:  64 << 10,
		},
		Resolution: ResolutionConfig{
			DisputeWindow:       duration{168 * time.Hour},
			AutoThreshold:       90,
			LowPriorityFloor:    70,
			MediumPriorityFloor: 50,
			MaxRetries:          4,
			RetryBackoff:        duration{30 * time.Second},
			RetryMaxBackoff:     duration{30 * time.Minute},
			RetryTick:           duration{30 * time.Second},
			SweepInterval:       duration{30 * time.Second},
			FinalizeInterval:    duration{time.Minute},
			LockTTL:             duration{5 * time.Minute},
			AutoFinalize:        true,
		},
		Dispute: DisputeConfig{
			BaseBond:          "100",
			MinHistory:        3,
			MinReputation:     0.3,
			PenaltyMultiplier: 1.5,
			ExpireInterval:    duration{5 * time.Minute},
			RateLimit:         5,
			RateWindow:        duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"manual_resolution", "ledger_reverted", "duplicate_settlement", "review_high"},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{24 * time.Hour},
		},
	}
}

var validModes = map[string]bool{
	"engine": true,
	"api":    true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, api, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	if c.Mode != "engine" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	switch c.Storage.Backend {
	case "memory":
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
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: requires s3.enabled")
	}

	switch c.Ledger.Mode {
	case "dry_run":
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for mode evm")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.EncryptedKeyPath == "" {
			errs = append(errs, "ledger: either private_key or encrypted_key_path must be set for mode evm")
		}
		if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
			errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown mode %q (valid: evm, dry_run)", c.Ledger.Mode))
	}

	if c.Oracle.PrimaryURL == "" && c.Mode != "api" {
		errs = append(errs, "oracle: primary_url must not be empty")
	}
	if c.Oracle.SecondaryDiscount < 0 || c.Oracle.SecondaryDiscount > 1 {
		errs = append(errs, "oracle: secondary_discount must be within 0-1")
	}

	r := c.Resolution
	if r.DisputeWindow.Duration <= 0 {
		errs = append(errs, "resolution: dispute_window must be > 0")
	}
	if !(r.AutoThreshold <= 100 && r.LowPriorityFloor < r.AutoThreshold &&
		r.MediumPriorityFloor < r.LowPriorityFloor && r.MediumPriorityFloor > 0) {
		errs = append(errs, "resolution: thresholds must satisfy 0 < medium_priority_floor < low_priority_floor < auto_threshold <= 100")
	}
	if r.MaxRetries < 1 {
		errs = append(errs, "resolution: max_retries must be >= 1")
	}
	if r.SweepInterval.Duration <= 0 || r.SweepInterval.Duration > time.Minute {
		errs = append(errs, "resolution: sweep_interval must be within (0, 1m]")
	}
	if r.RetryTick.Duration <= 0 || r.FinalizeInterval.Duration <= 0 {
		errs = append(errs, "resolution: retry_tick and finalize_interval must be > 0")
	}

	if d, err := decimal.NewFromString(c.Dispute.BaseBond); err != nil || !d.IsPositive() {
		errs = append(errs, fmt.Sprintf("dispute: base_bond must be a positive decimal, got %q", c.Dispute.BaseBond))
	}
	if c.Dispute.PenaltyMultiplier < 1 {
		errs = append(errs, "dispute: penalty_multiplier must be >= 1")
	}
	if c.Dispute.MinReputation < 0 || c.Dispute.MinReputation > 1 {
		errs = append(errs, "dispute: min_reputation must be within 0-1")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// BaseBondAmount returns the parsed base bond. Call after Validate.
func (d DisputeConfig) BaseBondAmount() decimal.Decimal {
	v, _ := decimal.NewFromString(d.BaseBond)
	return v
}
