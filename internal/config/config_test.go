package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/config"
)

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Provisioner.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	t.Run("missing provisioner key", func(t *testing.T) {
		c := config.Defaults()
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provisioner")
	})

	t.Run("encrypted key without password", func(t *testing.T) {
		c := config.Defaults()
		c.Provisioner.EncryptedKeyPath = "/etc/seqvault/key.json"
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_password")
	})

	t.Run("bad mode", func(t *testing.T) {
		c := validConfig()
		c.Mode = "scrape"
		assert.Error(t, c.Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		c := validConfig()
		c.Server.Port = 99999
		assert.Error(t, c.Validate())
	})

	t.Run("s3 enabled needs bucket", func(t *testing.T) {
		c := validConfig()
		c.S3.Enabled = true
		c.S3.Bucket = ""
		assert.Error(t, c.Validate())
	})

	t.Run("non-positive lock ttl", func(t *testing.T) {
		c := validConfig()
		c.Vault.LockTTL.Duration = 0
		assert.Error(t, c.Validate())
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
log_level = "debug"

[provisioner]
private_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[vault]
lock_ttl = "45s"

[server]
port = 9090
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Vault.LockTTL.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Postgres.RunMigrations)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[provisioner]
private_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
`), 0o600))

	t.Setenv("SEQVAULT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SEQVAULT_MODE", "trigger")
	t.Setenv("SEQVAULT_TRIGGER_POLL_INTERVAL", "3s")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "trigger", cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.Trigger.PollInterval.Duration)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "super-secret"
	cfg.Redis.Password = "also-secret"

	redacted := config.RedactedConfig(&cfg)
	assert.Equal(t, "***", redacted.Postgres.Password)
	assert.Equal(t, "***", redacted.Redis.Password)
	assert.Equal(t, "***", redacted.Provisioner.PrivateKey)

	// The original is untouched.
	assert.Equal(t, "super-secret", cfg.Postgres.Password)
}
