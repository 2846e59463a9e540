// Package config loads runtime settings for the escore binaries from
// ESCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

type Config struct {
	Backend  string `env:"ESCORE_BACKEND"   envDefault:"memory" validate:"oneof=memory bolt sqlite"`
	DataPath string `env:"ESCORE_DATA_PATH" envDefault:"./data"`

	SnapshotInterval  uint64 `env:"ESCORE_SNAPSHOT_INTERVAL"  envDefault:"100"`
	SnapshotRetention int    `env:"ESCORE_SNAPSHOT_RETENTION" envDefault:"3" validate:"gte=0"`

	CacheSize int           `env:"ESCORE_CACHE_SIZE" envDefault:"1000" validate:"gte=0"`
	CacheTTL  time.Duration `env:"ESCORE_CACHE_TTL"  envDefault:"5m"`

	CommandTimeout time.Duration `env:"ESCORE_COMMAND_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	QueryTimeout   time.Duration `env:"ESCORE_QUERY_TIMEOUT"   envDefault:"2s"  validate:"gt=0"`
	FoldTimeout    time.Duration `env:"ESCORE_FOLD_TIMEOUT"    envDefault:"5s"  validate:"gt=0"`
	QueueSize      int           `env:"ESCORE_QUEUE_SIZE"      envDefault:"1024" validate:"gt=0"`

	// NatsURL enables the JetStream snapshot store and event publisher.
	NatsURL      string `env:"ESCORE_NATS_URL"`
	MetricsAddr  string `env:"ESCORE_METRICS_ADDR"  envDefault:":9090"`
	OtelEndpoint string `env:"ESCORE_OTEL_ENDPOINT"`
	LogLevel     string `env:"ESCORE_LOG_LEVEL"     envDefault:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backend != BackendMemory && strings.TrimSpace(c.DataPath) == "" {
		return fmt.Errorf("invalid config: %s backend needs ESCORE_DATA_PATH", c.Backend)
	}
	return nil
}

// DBFile is the database file the persistent backends open under DataPath.
func (c Config) DBFile() string {
	switch c.Backend {
	case BackendBolt:
		return filepath.Join(c.DataPath, "escore.bolt")
	case BackendSQLite:
		return filepath.Join(c.DataPath, "escore.sqlite")
	default:
		return ""
	}
}

func (c Config) Level() slog.Level {
	switch c.LogLevel {
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

// Logger returns a text logger on stdout at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.Level()}))
}
