package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, uint64(100), cfg.SnapshotInterval)
	require.Equal(t, 3, cfg.SnapshotRetention)
	require.Equal(t, 10*time.Second, cfg.CommandTimeout)
	require.Equal(t, 2*time.Second, cfg.QueryTimeout)
	require.Equal(t, 1024, cfg.QueueSize)
	require.Empty(t, cfg.NatsURL)
	require.Equal(t, slog.LevelInfo, cfg.Level())
	require.Empty(t, cfg.DBFile())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ESCORE_BACKEND", "SQLite")
	t.Setenv("ESCORE_DATA_PATH", "/var/lib/escore")
	t.Setenv("ESCORE_CACHE_TTL", "30s")
	t.Setenv("ESCORE_LOG_LEVEL", "debug")
	t.Setenv("ESCORE_NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, slog.LevelDebug, cfg.Level())
	require.Equal(t, filepath.Join("/var/lib/escore", "escore.sqlite"), cfg.DBFile())
	require.Equal(t, "nats://localhost:4222", cfg.NatsURL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		t.Setenv("ESCORE_QUEUE_SIZE", "lots")
		_, err := Load()
		require.ErrorContains(t, err, "parse env:")
	})

	t.Run("backend", func(t *testing.T) {
		t.Setenv("ESCORE_BACKEND", "postgres")
		_, err := Load()
		require.ErrorContains(t, err, "Backend: failed oneof")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Setenv("ESCORE_COMMAND_TIMEOUT", "0s")
		_, err := Load()
		require.ErrorContains(t, err, "CommandTimeout: failed gt")
	})

	t.Run("data path", func(t *testing.T) {
		t.Setenv("ESCORE_BACKEND", "bolt")
		t.Setenv("ESCORE_DATA_PATH", " ")
		_, err := Load()
		require.ErrorContains(t, err, "needs ESCORE_DATA_PATH")
	})
}
