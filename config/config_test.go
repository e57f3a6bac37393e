package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_PORT", "")
	t.Setenv("CHATRELAY_DB_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 54088, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "chatrelay.db", cfg.DBPath)
	assert.Equal(t, 14, cfg.OcidLength)
	assert.Equal(t, 10, cfg.MaxProtocolErrors)
	assert.Zero(t, cfg.ReadTimeout, "receive-only clients must not be dropped as idle")
	assert.False(t, cfg.DeliverToSender)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_PORT", "4000")
	t.Setenv("CHATRELAY_DB_PATH", "/tmp/other.db")
	t.Setenv("CHATRELAY_READ_TIMEOUT", "30")
	t.Setenv("CHATRELAY_MAX_PROTOCOL_ERRORS", "3")
	t.Setenv("CHATRELAY_DELIVER_TO_SENDER", "true")
	t.Setenv("CHATRELAY_MAX_FRAME_SIZE", "4096")
	t.Setenv("CHATRELAY_SEND_QUEUE_SIZE", "32")
	t.Setenv("CHATRELAY_PENDING_BATCH", "50")
	t.Setenv("CHATRELAY_OCID_LENGTH", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 3, cfg.MaxProtocolErrors)
	assert.True(t, cfg.DeliverToSender)
	assert.Equal(t, 4096, cfg.MaxFrameSize)
	assert.Equal(t, 32, cfg.SendQueueSize)
	assert.Equal(t, 50, cfg.PendingBatch)
	assert.Equal(t, 20, cfg.OcidLength)
}

func TestLoad_OcidLengthTooLong(t *testing.T) {
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_OCID_LENGTH", "33")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 54088, cfg.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	content := "port: 6000\nwrite_timeout: 3s\nfanout_workers: 4\nenv: dev\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CHATRELAY_CONFIG", path)
	t.Setenv("CHATRELAY_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 4, cfg.FanoutWorkers)
	assert.Equal(t, "dev", cfg.Env)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 6000\n"), 0o600))

	t.Setenv("CHATRELAY_CONFIG", path)
	t.Setenv("CHATRELAY_PORT", "7000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CHATRELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"short ocid", func(c *Config) { c.OcidLength = 4 }},
		{"ocid wider than column", func(c *Config) { c.OcidLength = MaxOcidLength + 1 }},
		{"no write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"no queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"no workers", func(c *Config) { c.FanoutWorkers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
