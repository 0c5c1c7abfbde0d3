package worker

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the tunables a deployment typically sets from the
// environment. Programmatic Options take precedence over Config values.
type Config struct {
	// PollInterval bounds how long the main loop waits on the inbound queue
	// before rechecking the running flag. ENV: WORKER_POLL_INTERVAL
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL,default=100ms"`
	// QueueSize is the inbound line queue capacity. ENV: WORKER_QUEUE_SIZE
	QueueSize int `env:"WORKER_QUEUE_SIZE,default=256"`
	// LogLevel for stderr diagnostics: debug, info, warn, or error.
	// ENV: WORKER_LOG_LEVEL
	LogLevel string `env:"WORKER_LOG_LEVEL,default=info"`
}

// ConfigFromEnv populates a Config using envdecode; struct tags supply the
// defaults so an empty environment yields a usable config.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return cfg
}

// SlogLevel maps the configured level name onto a slog.Level, defaulting to
// info for unknown names.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
