package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"BRIDGE_HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"BRIDGE_LOG_LEVEL" envDefault:"info"`

	// History ring and the secondary envelope-by-id cache.
	HistoryCapacity int `env:"BRIDGE_HISTORY_CAPACITY" envDefault:"1000"`
	HistorySnapshot int `env:"BRIDGE_HISTORY_SNAPSHOT" envDefault:"50"`
	LookupCacheSize int `env:"BRIDGE_LOOKUP_CACHE_SIZE" envDefault:"256"`

	// Offline queues: per-peer FIFO cap plus a hard ceiling across all peers.
	QueuePerPeer int `env:"BRIDGE_QUEUE_PER_PEER" envDefault:"200"`
	QueueTotal   int `env:"BRIDGE_QUEUE_TOTAL" envDefault:"2000"`

	MaxPeers         int           `env:"BRIDGE_MAX_PEERS" envDefault:"64"`
	HandshakeTimeout time.Duration `env:"BRIDGE_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Resource supervisor.
	SweepInterval  time.Duration `env:"BRIDGE_SWEEP_INTERVAL" envDefault:"60s"`
	ProbeAfter     time.Duration `env:"BRIDGE_PROBE_AFTER" envDefault:"90s"`
	Retention      time.Duration `env:"BRIDGE_RETENTION" envDefault:"5m"`
	PruneThreshold int           `env:"BRIDGE_PRUNE_THRESHOLD" envDefault:"3"`
	MemoryPressure float64       `env:"BRIDGE_MEMORY_PRESSURE" envDefault:"0.85"`

	// Empty secret disables the operator-token guard on control-plane writes.
	OperatorSecret string `env:"BRIDGE_OPERATOR_SECRET"`

	Kafka KafkaConfig `envPrefix:"BRIDGE_KAFKA_"`
}

type KafkaConfig struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092"`
	// MirrorTopic receives a copy of every accepted envelope;
	// IngestTopic carries operator-injected sends. They must differ or
	// mirrored envelopes would be re-routed forever.
	MirrorTopic string `env:"MIRROR_TOPIC" envDefault:"bridge-envelopes"`
	IngestTopic string `env:"INGEST_TOPIC" envDefault:"bridge-commands"`
	Group       string `env:"GROUP" envDefault:"bridge-relay"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.HistoryCapacity < 1 {
		return Config{}, fmt.Errorf("history capacity must be positive, got %d", cfg.HistoryCapacity)
	}
	if cfg.HistorySnapshot > cfg.HistoryCapacity {
		cfg.HistorySnapshot = cfg.HistoryCapacity
	}
	if cfg.MaxPeers < 1 {
		return Config{}, fmt.Errorf("max peers must be positive, got %d", cfg.MaxPeers)
	}

	return cfg, nil
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
