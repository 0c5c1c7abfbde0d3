// Package worker implements a single-session JSONL IPC worker: a process
// that exchanges newline-delimited JSON messages with a controlling parent
// over a private pipe pair, by default stdin/stdout.
//
// Characteristics
//
//	Connection model : 1 worker <-> 1 trusted parent
//	Framing          : one JSON object per line, UTF-8, flushed per line
//	Scheduling       : one reader goroutine, one main loop; handlers run
//	                   synchronously on the main loop
//	Lifecycle        : ready notification on start, shutdown notification as
//	                   the final line; signals, EOF, and in-band shutdown
//	                   requests all drain through the same dispatch path
//
// The worker owns transport, sequencing, and shutdown coordination and
// delegates method dispatch to a Router. Diagnostics go to a slog.Logger on
// stderr; the protocol stream on stdout is never mixed with logging.
//
// Options allow supplying alternate io.Reader / io.Writer or a custom
// logger. Defaults can also be populated from the environment; see Config.
package worker
