package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 1000, cfg.HistoryCapacity)
	require.Equal(t, 50, cfg.HistorySnapshot)
	require.Equal(t, 200, cfg.QueuePerPeer)
	require.Equal(t, 2000, cfg.QueueTotal)
	require.Equal(t, 64, cfg.MaxPeers)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, 5*time.Minute, cfg.Retention)
	require.False(t, cfg.Kafka.Enabled)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BRIDGE_HISTORY_CAPACITY", "10")
	t.Setenv("BRIDGE_HISTORY_SNAPSHOT", "500")
	t.Setenv("BRIDGE_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.HistoryCapacity)
	require.Equal(t, 10, cfg.HistorySnapshot, "snapshot is clamped to history capacity")
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BRIDGE_HISTORY_CAPACITY", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, Config{LogLevel: "debug"}.SlogLevel())
	require.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.SlogLevel())
	require.Equal(t, slog.LevelError, Config{LogLevel: "error"}.SlogLevel())
	require.Equal(t, slog.LevelInfo, Config{LogLevel: "anything"}.SlogLevel())
}
