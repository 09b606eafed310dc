// Package config defines the top-level configuration for the oraclepay
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ORACLEPAY_* environment
// variables.
type Config struct {
	Signer     SignerConfig     `toml:"signer"`
	Chain      ChainConfig      `toml:"chain"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Oracle     OracleConfig     `toml:"oracle"`
	Settlement SettlementConfig `toml:"settlement"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Feed       FeedConfig       `toml:"feed"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// SignerConfig holds the engine operator's signing key material.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds chain and contract identity parameters used for
// EIP-712 domain separation.
type ChainConfig struct {
	ChainID       int64  `toml:"chain_id"`
	TokenAddress  string `toml:"token_address"`
	EngineAddress string `toml:"engine_address"`
}

// LedgerConfig holds question ledger parameters. Amounts are micro-units.
type LedgerConfig struct {
	Owner            string   `toml:"owner"`
	Answerer         string   `toml:"answerer"`
	EscrowAddress    string   `toml:"escrow_address"`
	MinimumFee       int64    `toml:"minimum_fee"`
	MaxBounty        int64    `toml:"max_bounty"`
	MaxTextLen       int      `toml:"max_text_len"`
	MaxNumericResult int64    `toml:"max_numeric_result"`
	RefundPeriod     duration `toml:"refund_period"`
}

// OracleConfig holds TWAP accumulator parameters.
type OracleConfig struct {
	MinPeriod       duration `toml:"min_period"`
	RefreshInterval duration `toml:"refresh_interval"`
}

// SettlementConfig holds settlement engine parameters.
type SettlementConfig struct {
	Owner          string   `toml:"owner"`
	FeeBps         int64    `toml:"fee_bps"`
	FeeCapBps      int64    `toml:"fee_cap_bps"`
	MaxValue       int64    `toml:"max_value"`
	DeadlineWindow duration `toml:"deadline_window"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockKey    string   `toml:"lock_key"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the reserve feed parameters for the oracle.
type FeedConfig struct {
	WsURL  string `toml:"ws_url"`
	Token0 string `toml:"token0"`
	Token1 string `toml:"token1"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig holds audit log archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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
		Chain: ChainConfig{
			ChainID: 1,
		},
		Ledger: LedgerConfig{
			MinimumFee:       10_000,
			MaxBounty:        1_000_000_000_000,
			MaxTextLen:       1024,
			MaxNumericResult: 1_000_000_000_000_000,
			RefundPeriod:     duration{7 * 24 * time.Hour},
		},
		Oracle: OracleConfig{
			MinPeriod:       duration{5 * time.Minute},
			RefreshInterval: duration{time.Minute},
		},
		Settlement: SettlementConfig{
			FeeBps:         100,
			FeeCapBps:      1000,
			MaxValue:       1_000_000_000_000_000,
			DeadlineWindow: duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oraclepay",
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
			LockKey:    "oraclepay",
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oraclepay-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{90 * 24 * time.Hour},
			Interval:  duration{24 * time.Hour},
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"sim":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, sim)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	isEngine := strings.ToLower(c.Mode) == "engine"

	// Signer — one credential source is required in engine mode.
	if isEngine {
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			errs = append(errs, "signer: either private_key or encrypted_key_path must be set for mode engine")
		}
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
		}
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if isEngine {
		if !common.IsHexAddress(c.Chain.TokenAddress) {
			errs = append(errs, fmt.Sprintf("chain: token_address %q is not a valid address", c.Chain.TokenAddress))
		}
		if !common.IsHexAddress(c.Chain.EngineAddress) {
			errs = append(errs, fmt.Sprintf("chain: engine_address %q is not a valid address", c.Chain.EngineAddress))
		}
	}

	// Ledger
	if isEngine {
		if !common.IsHexAddress(c.Ledger.Owner) {
			errs = append(errs, fmt.Sprintf("ledger: owner %q is not a valid address", c.Ledger.Owner))
		}
		if !common.IsHexAddress(c.Ledger.Answerer) {
			errs = append(errs, fmt.Sprintf("ledger: answerer %q is not a valid address", c.Ledger.Answerer))
		}
		if !common.IsHexAddress(c.Ledger.EscrowAddress) {
			errs = append(errs, fmt.Sprintf("ledger: escrow_address %q is not a valid address", c.Ledger.EscrowAddress))
		}
	}
	if c.Ledger.MinimumFee <= 0 {
		errs = append(errs, "ledger: minimum_fee must be > 0")
	}
	if c.Ledger.MaxBounty < c.Ledger.MinimumFee {
		errs = append(errs, "ledger: max_bounty must be >= minimum_fee")
	}
	if c.Ledger.MaxTextLen < 1 {
		errs = append(errs, "ledger: max_text_len must be >= 1")
	}
	if c.Ledger.MaxNumericResult <= 0 {
		errs = append(errs, "ledger: max_numeric_result must be > 0")
	}
	if c.Ledger.RefundPeriod.Duration <= 0 {
		errs = append(errs, "ledger: refund_period must be > 0")
	}

	// Oracle
	if c.Oracle.MinPeriod.Duration < time.Second {
		errs = append(errs, "oracle: min_period must be at least 1s")
	}
	if c.Oracle.RefreshInterval.Duration <= 0 {
		errs = append(errs, "oracle: refresh_interval must be > 0")
	}

	// Settlement
	if c.Settlement.FeeCapBps <= 0 || c.Settlement.FeeCapBps > 10_000 {
		errs = append(errs, fmt.Sprintf("settlement: fee_cap_bps must be 1-10000, got %d", c.Settlement.FeeCapBps))
	}
	if c.Settlement.FeeBps < 0 || c.Settlement.FeeBps > c.Settlement.FeeCapBps {
		errs = append(errs, fmt.Sprintf("settlement: fee_bps must be 0-%d, got %d", c.Settlement.FeeCapBps, c.Settlement.FeeBps))
	}
	if c.Settlement.MaxValue <= 0 {
		errs = append(errs, "settlement: max_value must be > 0")
	}
	if c.Settlement.DeadlineWindow.Duration <= 0 {
		errs = append(errs, "settlement: deadline_window must be > 0")
	}
	if isEngine && !common.IsHexAddress(c.Settlement.Owner) {
		errs = append(errs, fmt.Sprintf("settlement: owner %q is not a valid address", c.Settlement.Owner))
	}

	// Postgres — only required in engine mode; sim mode runs on memory stores.
	if isEngine && strings.TrimSpace(c.Postgres.DSN) == "" {
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if isEngine && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}

	// Feed — required in engine mode so the oracle has a live source.
	if isEngine {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty for mode engine")
		}
		if !common.IsHexAddress(c.Feed.Token0) {
			errs = append(errs, fmt.Sprintf("feed: token0 %q is not a valid address", c.Feed.Token0))
		}
		if !common.IsHexAddress(c.Feed.Token1) {
			errs = append(errs, fmt.Sprintf("feed: token1 %q is not a valid address", c.Feed.Token1))
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0 when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0 when enabled")
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
