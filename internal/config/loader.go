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
// built-in defaults, applies SEQVAULT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known SEQVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Provisioner ──
	setStr(&cfg.Provisioner.PrivateKey, "SEQVAULT_PROVISIONER_PRIVATE_KEY")
	setStr(&cfg.Provisioner.EncryptedKeyPath, "SEQVAULT_PROVISIONER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Provisioner.KeyPassword, "SEQVAULT_PROVISIONER_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SEQVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SEQVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SEQVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SEQVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SEQVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SEQVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SEQVAULT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SEQVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SEQVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SEQVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SEQVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SEQVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SEQVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SEQVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SEQVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SEQVAULT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SEQVAULT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SEQVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SEQVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SEQVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SEQVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SEQVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SEQVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SEQVAULT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "SEQVAULT_S3_RETENTION_DAYS")

	// ── Vault ──
	setDuration(&cfg.Vault.LockTTL, "SEQVAULT_VAULT_LOCK_TTL")
	setDuration(&cfg.Vault.SettlementTTL, "SEQVAULT_VAULT_SETTLEMENT_TTL")

	// ── Trigger ──
	setBool(&cfg.Trigger.Enabled, "SEQVAULT_TRIGGER_ENABLED")
	setDuration(&cfg.Trigger.PollInterval, "SEQVAULT_TRIGGER_POLL_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SEQVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SEQVAULT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SEQVAULT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SEQVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SEQVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SEQVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SEQVAULT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SEQVAULT_MODE")
	setStr(&cfg.LogLevel, "SEQVAULT_LOG_LEVEL")
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
