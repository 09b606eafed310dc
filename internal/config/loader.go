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
// built-in defaults, applies ORACLEPAY_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known ORACLEPAY_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "ORACLEPAY_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "ORACLEPAY_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "ORACLEPAY_SIGNER_KEY_PASSWORD")

	// ── Chain ──
	setInt64(&cfg.Chain.ChainID, "ORACLEPAY_CHAIN_ID")
	setStr(&cfg.Chain.TokenAddress, "ORACLEPAY_CHAIN_TOKEN_ADDRESS")
	setStr(&cfg.Chain.EngineAddress, "ORACLEPAY_CHAIN_ENGINE_ADDRESS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Owner, "ORACLEPAY_LEDGER_OWNER")
	setStr(&cfg.Ledger.Answerer, "ORACLEPAY_LEDGER_ANSWERER")
	setStr(&cfg.Ledger.EscrowAddress, "ORACLEPAY_LEDGER_ESCROW_ADDRESS")
	setInt64(&cfg.Ledger.MinimumFee, "ORACLEPAY_LEDGER_MINIMUM_FEE")
	setInt64(&cfg.Ledger.MaxBounty, "ORACLEPAY_LEDGER_MAX_BOUNTY")
	setInt(&cfg.Ledger.MaxTextLen, "ORACLEPAY_LEDGER_MAX_TEXT_LEN")
	setInt64(&cfg.Ledger.MaxNumericResult, "ORACLEPAY_LEDGER_MAX_NUMERIC_RESULT")
	setDuration(&cfg.Ledger.RefundPeriod, "ORACLEPAY_LEDGER_REFUND_PERIOD")

	// ── Oracle ──
	setDuration(&cfg.Oracle.MinPeriod, "ORACLEPAY_ORACLE_MIN_PERIOD")
	setDuration(&cfg.Oracle.RefreshInterval, "ORACLEPAY_ORACLE_REFRESH_INTERVAL")

	// ── Settlement ──
	setStr(&cfg.Settlement.Owner, "ORACLEPAY_SETTLEMENT_OWNER")
	setInt64(&cfg.Settlement.FeeBps, "ORACLEPAY_SETTLEMENT_FEE_BPS")
	setInt64(&cfg.Settlement.FeeCapBps, "ORACLEPAY_SETTLEMENT_FEE_CAP_BPS")
	setInt64(&cfg.Settlement.MaxValue, "ORACLEPAY_SETTLEMENT_MAX_VALUE")
	setDuration(&cfg.Settlement.DeadlineWindow, "ORACLEPAY_SETTLEMENT_DEADLINE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORACLEPAY_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ORACLEPAY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORACLEPAY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORACLEPAY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORACLEPAY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORACLEPAY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORACLEPAY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORACLEPAY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORACLEPAY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLEPAY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORACLEPAY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLEPAY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLEPAY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLEPAY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLEPAY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLEPAY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.LockKey, "ORACLEPAY_REDIS_LOCK_KEY")
	setDuration(&cfg.Redis.LockTTL, "ORACLEPAY_REDIS_LOCK_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORACLEPAY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLEPAY_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLEPAY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLEPAY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLEPAY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLEPAY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLEPAY_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "ORACLEPAY_FEED_WS_URL")
	setStr(&cfg.Feed.Token0, "ORACLEPAY_FEED_TOKEN0")
	setStr(&cfg.Feed.Token1, "ORACLEPAY_FEED_TOKEN1")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLEPAY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLEPAY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLEPAY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLEPAY_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORACLEPAY_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "ORACLEPAY_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "ORACLEPAY_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLEPAY_MODE")
	setStr(&cfg.LogLevel, "ORACLEPAY_LOG_LEVEL")
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
