package worker

import (
	"io"
	"log/slog"
	"time"
)

// Option customizes a Worker.
type Option func(*Worker)

// WithIO sets the reader and writer for the worker.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(wk *Worker) {
		if r != nil {
			wk.in = r
		}
		if w != nil {
			wk.mux = newWriteMux(w)
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(wk *Worker) {
		if r != nil {
			wk.in = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(wk *Worker) {
		if w != nil {
			wk.mux = newWriteMux(w)
		}
	}
}

// WithLogger overrides the stderr diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(wk *Worker) {
		if l != nil {
			wk.log = l
		}
	}
}

// WithPollInterval overrides how often the main loop rechecks the running
// flag while the inbound queue is idle.
func WithPollInterval(d time.Duration) Option {
	return func(wk *Worker) {
		if d > 0 {
			wk.pollInterval = d
		}
	}
}

// WithQueueSize overrides the inbound line queue capacity.
func WithQueueSize(n int) Option {
	return func(wk *Worker) {
		if n > 0 {
			wk.queueSize = n
		}
	}
}

// WithSignalHandling controls whether Run installs SIGINT/SIGTERM handlers
// that initiate graceful shutdown. Enabled by default; tests and embedders
// that own signal delivery disable it.
func WithSignalHandling(enabled bool) Option {
	return func(wk *Worker) {
		wk.handleSignals = enabled
	}
}

// WithConfig applies environment-style configuration. Later Options still
// override individual values.
func WithConfig(cfg Config) Option {
	return func(wk *Worker) {
		if cfg.PollInterval > 0 {
			wk.pollInterval = cfg.PollInterval
		}
		if cfg.QueueSize > 0 {
			wk.queueSize = cfg.QueueSize
		}
	}
}
