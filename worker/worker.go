package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/jsonl-worker-go/envelope"
	"github.com/ggoodman/jsonl-worker-go/internal/logctx"
	"github.com/ggoodman/jsonl-worker-go/internal/wire"
)

// maxLineBytes bounds a single inbound line.
const maxLineBytes = 4 * 1024 * 1024

// ErrAlreadyRan reports a second call to Run on the same Worker.
var ErrAlreadyRan = errors.New("worker already ran")

// Message is one validated inbound message handed to the Router. ID is the
// request id for requests; for notifications it is the optional wire id and
// may be empty.
type Message struct {
	Type   string // wire.TypeRequest or wire.TypeNotification
	ID     string
	Method string
	Params json.RawMessage
}

// Router consumes validated messages and is responsible for dispatching them
// to handlers and writing terminal envelopes back through the Worker. It is
// always invoked from the main loop goroutine.
type Router interface {
	Route(ctx context.Context, w *Worker, msg *Message)
}

// Worker owns one session over a JSONL pipe pair: the reader goroutine, the
// outbound choke point, sequencing state, and shutdown coordination.
//
// The per-request sequence map and all routing run on the goroutine that
// called Run; the Send methods are intended to be called from handlers on
// that same goroutine.
type Worker struct {
	router Router
	log    *slog.Logger
	in     io.Reader
	mux    *writeMux

	pollInterval  time.Duration
	queueSize     int
	handleSignals bool

	sessionID string
	reqSeq    map[string]uint64

	running atomic.Bool
	started atomic.Bool
}

// New constructs a Worker for the given router. Defaults: stdin/stdout, a
// logctx-decorated text logger on stderr at info level, 100ms poll interval,
// and signal handling enabled.
func New(router Router, opts ...Option) *Worker {
	w := &Worker{
		router:        router,
		in:            os.Stdin,
		mux:           newWriteMux(os.Stdout),
		pollInterval:  100 * time.Millisecond,
		queueSize:     256,
		handleSignals: true,
		sessionID:     "sess_" + uuid.NewString(),
		reqSeq:        make(map[string]uint64),
	}
	w.log = slog.New(logctx.Handler{Handler: slog.NewTextHandler(os.Stderr, nil)})
	w.running.Store(true)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewFromEnv constructs a Worker configured from the environment (see
// Config), with any further options applied on top.
func NewFromEnv(router Router, opts ...Option) *Worker {
	cfg := ConfigFromEnv()
	lv := new(slog.LevelVar)
	lv.Set(cfg.SlogLevel())
	log := slog.New(logctx.Handler{Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})})
	all := append([]Option{WithConfig(cfg), WithLogger(log)}, opts...)
	return New(router, all...)
}

// SessionID returns the generated identifier for this worker's lifetime.
func (w *Worker) SessionID() string { return w.sessionID }

// Running reports whether the main loop will keep accepting inbound lines.
func (w *Worker) Running() bool { return w.running.Load() }

// Stop flips the running flag so the main loop exits after the current
// iteration. It does not abort an in-flight handler.
func (w *Worker) Stop(reason string) {
	if w.running.CompareAndSwap(true, false) {
		w.log.Debug("worker stopping", "reason", reason)
	}
}

// Run executes the main loop until a shutdown trigger: an in-band shutdown
// request, SIGINT/SIGTERM, end of the input stream, or ctx cancellation.
// Signals and cancellation are converted into a synthetic shutdown request
// and fed through the same dispatch path as real input. Run emits the
// session-scoped ready notification before reading anything and the shutdown
// notification as the final line before returning.
//
// The reader goroutine blocks on the input stream and can outlive Run when
// shutdown was triggered by anything other than end of input; it exits once
// the input reader is closed. Embedders that check for leaked goroutines
// must close the input after Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: w.sessionID, State: "running"})

	if err := w.SendNotification("ready", nil); err != nil {
		// Output is already unusable; treat like a broken pipe and drain.
		w.log.Warn("ready notification failed", "err", err)
		w.Stop("output closed")
	}
	w.log.InfoContext(ctx, "worker ready")

	lines := make(chan string, w.queueSize)
	go w.readLines(lines)

	var sigCh chan os.Signal
	if w.handleSignals {
		sigCh = make(chan os.Signal, 2)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	cancelled := ctx.Done()

	for w.running.Load() {
		select {
		case line, ok := <-lines:
			if !ok {
				w.log.DebugContext(ctx, "input stream closed")
				w.Stop("end of input")
				continue
			}
			w.handleLine(ctx, line)
		case sig := <-sigCh:
			w.synthesizeShutdown(ctx, "received "+sig.String())
		case <-cancelled:
			cancelled = nil
			w.synthesizeShutdown(ctx, "context cancelled")
		case <-ticker.C:
			// Idle poll so the running flag is rechecked without input.
		}
	}

	_ = w.SendNotification("shutdown", nil)
	w.log.InfoContext(ctx, "worker shutdown")
	return nil
}

// readLines is the dedicated reader: it blocks on line reads, trims
// whitespace, skips blanks, and closes the channel on EOF or read error.
// Read errors are end-of-stream, never fatal. It performs no JSON parsing.
func (w *Worker) readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(w.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines <- line
	}
	if err := scanner.Err(); err != nil {
		w.log.Debug("read error treated as end of input", "err", err)
	}
}

// handleLine parses and validates one inbound line and routes it. Protocol
// violations are answered with transport-level errors and never reach the
// router.
func (w *Worker) handleLine(ctx context.Context, line string) {
	m, err := wire.Parse([]byte(line))
	if err != nil {
		if errors.Is(err, wire.ErrNotObject) {
			w.sendSessionError(wire.CodeInvalidMessage, "Message must be a JSON object")
		} else {
			w.sendSessionError(wire.CodeInvalidJSON, "JSON decode error: "+err.Error())
		}
		return
	}

	switch m.Type {
	case wire.TypeRequest:
		req, verr := m.AsRequest()
		if verr != nil {
			w.sendValidationError(verr)
			return
		}
		w.route(ctx, &Message{Type: wire.TypeRequest, ID: req.ID, Method: req.Method, Params: req.Params})
	case wire.TypeNotification:
		n, verr := m.AsNotification()
		if verr != nil {
			w.sendValidationError(verr)
			return
		}
		w.route(ctx, &Message{Type: wire.TypeNotification, ID: n.ID, Method: n.Method, Params: n.Params})
	default:
		// Unknown types are ignored: they may be future protocol extensions.
	}
}

func (w *Worker) route(ctx context.Context, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.ErrorContext(ctx, "router panic", "panic", r)
			w.sendSessionError("internalError", "Internal error routing message")
		}
	}()
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: msg.Type, ID: msg.ID, Method: msg.Method})
	w.router.Route(ctx, w, msg)
}

// synthesizeShutdown feeds a shutdown request through the normal dispatch
// path so signal-initiated and request-initiated termination behave
// identically. If the router cannot honor it the worker stops directly
// rather than hanging.
func (w *Worker) synthesizeShutdown(ctx context.Context, reason string) {
	w.log.InfoContext(ctx, "initiating shutdown", "reason", reason)
	params, _ := json.Marshal(map[string]string{"reason": reason})
	w.route(ctx, &Message{
		Type:   wire.TypeRequest,
		ID:     w.sessionID,
		Method: "shutdown",
		Params: params,
	})
	if w.Running() {
		w.log.WarnContext(ctx, "shutdown request not honored, forcing stop", "reason", reason)
		w.Stop(reason + " (forced)")
	}
}

// --- Send surface -----------------------------------------------------------

// sendEnvelope injects the next per-request sequence number for
// request-scoped envelopes and writes the frame. A send that fails (the
// payload does not serialize, or the stream is gone) rolls the per-request
// counter back so the envelope that was never emitted leaves no gap.
// Session-scoped log envelopes carry no per-request seq.
func (w *Worker) sendEnvelope(env envelope.Sequenced, frame *wire.Outbound) error {
	id := env.ScopeRequestID()
	if id != "" {
		w.reqSeq[id]++
		env.SetSeq(w.reqSeq[id])
	}
	if err := w.mux.send(frame); err != nil {
		if id != "" {
			w.reqSeq[id]--
			env.SetSeq(0)
		}
		return err
	}
	return nil
}

// SendResult writes a result envelope (terminal unless the envelope is a
// partial result) as a response frame addressed to its request.
func (w *Worker) SendResult(env *envelope.Result) error {
	return w.sendEnvelope(env, &wire.Outbound{ID: env.RequestID, Type: wire.TypeResponse, Data: env})
}

// SendError writes a terminal error envelope as a response frame.
func (w *Worker) SendError(env *envelope.Error) error {
	return w.sendEnvelope(env, &wire.Outbound{ID: env.RequestID, Type: wire.TypeResponse, Data: env})
}

// SendProgress writes a progress envelope as a notification frame.
func (w *Worker) SendProgress(env *envelope.Progress) error {
	return w.sendEnvelope(env, &wire.Outbound{ID: env.RequestID, Type: wire.TypeNotification, Method: "progress", Data: env})
}

// SendLog writes a log envelope as a notification frame addressed to its
// request, or to the session when the envelope is session-scoped.
func (w *Worker) SendLog(env *envelope.Log) error {
	id := env.RequestID
	if id == "" {
		id = w.sessionID
	}
	return w.sendEnvelope(env, &wire.Outbound{ID: id, Type: wire.TypeNotification, Method: "log", Data: env})
}

// SendNotification writes a session-scoped notification frame such as ready
// or shutdown.
func (w *Worker) SendNotification(method string, data any) error {
	return w.mux.send(&wire.Outbound{ID: w.sessionID, Type: wire.TypeNotification, Method: method, Data: data})
}

func (w *Worker) sendSessionError(code, message string) {
	err := w.mux.send(&wire.Outbound{
		ID:     w.sessionID,
		Type:   wire.TypeNotification,
		Method: "error",
		Error:  &wire.OutboundError{Code: code, Message: message},
	})
	if err != nil {
		w.log.Warn("session error write failed", "err", err)
		w.Stop("output closed")
	}
}

func (w *Worker) sendRequestError(requestID, code, message string) {
	err := w.mux.send(&wire.Outbound{
		ID:    requestID,
		Type:  wire.TypeResponse,
		Error: &wire.OutboundError{Code: code, Message: message},
	})
	if err != nil {
		w.log.Warn("request error write failed", "err", err)
		w.Stop("output closed")
	}
}

func (w *Worker) sendValidationError(verr *wire.ValidationError) {
	if verr.Scope == wire.ScopeRequest {
		w.sendRequestError(verr.RequestID, verr.Code, verr.Message)
		return
	}
	w.sendSessionError(verr.Code, verr.Message)
}
