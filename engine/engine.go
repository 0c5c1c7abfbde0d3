package engine

import (
	"context"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/jsonl-worker-go/envelope"
	"github.com/ggoodman/jsonl-worker-go/worker"
)

// DefaultMethod is the fallback handler name: when a method has no exact
// registration, a handler registered under this name receives the call with
// the original method still on the Call.
const DefaultMethod = "default"

// Engine is the dispatcher: a registration table plus the error taxonomy.
// Registration happens before the worker runs; dispatch happens on the main
// loop goroutine, so the table needs no locking once Run has started.
type Engine struct {
	handlers map[string]Handler
	errorMap []errorMapping
}

// New builds an Engine with the built-in ping, shutdown, and describe
// methods pre-registered. Built-ins may be overridden by re-registering.
func New() *Engine {
	e := &Engine{
		handlers: make(map[string]Handler),
		errorMap: []errorMapping{
			{target: ErrInvalidParameters, code: CodeInvalidParameters},
			{target: ErrMethodNotFound, code: CodeMethodNotFound},
		},
	}
	e.Register("ping", HandlerFunc(handlePing))
	e.Register("shutdown", HandlerFunc(handleShutdown))
	e.Register("describe", HandlerFunc(e.handleDescribe))
	return e
}

// Register maps a method name to a handler. Exactly one handler per name;
// re-registration overwrites.
func (e *Engine) Register(method string, h Handler) {
	e.handlers[method] = h
}

// RegisterFunc is a convenience for registering a full-context handler.
func (e *Engine) RegisterFunc(method string, fn func(ctx context.Context, call *Call) (any, error)) {
	e.Register(method, HandlerFunc(fn))
}

// Route implements worker.Router. The logical request id is the request's
// id, or the session id for notifications, so every dispatch has somewhere
// to address its terminal envelope.
func (e *Engine) Route(ctx context.Context, w *worker.Worker, msg *worker.Message) {
	requestID := msg.ID
	if requestID == "" {
		requestID = w.SessionID()
	}
	call := &Call{Method: msg.Method, RequestID: requestID, Params: msg.Params, w: w}

	h, ok := e.handlers[msg.Method]
	if !ok {
		if dh, hasDefault := e.handlers[DefaultMethod]; hasDefault {
			h = dh
		} else {
			e.sendFailure(w, requestID, envelope.NewErrorCode(CodeMethodNotFound, "Method not found: "+msg.Method, nil))
			return
		}
	}

	result, err := e.invoke(ctx, h, call)
	if err != nil {
		e.sendFailure(w, requestID, e.resolveError(err))
		return
	}
	// A result that cannot be serialized still owes the request its terminal
	// envelope.
	if err := w.SendResult(envelope.NewResult(requestID, result)); err != nil {
		e.sendFailure(w, requestID, envelope.NewErrorCode(CodeInternalError, "result serialization failed: "+err.Error(), nil))
	}
}

// sendFailure writes the terminal error envelope for a request. If the
// envelope itself cannot be written it retries once with a bare internalError
// carrying no handler-supplied details; a second failure means the stream is
// gone and the worker stops.
func (e *Engine) sendFailure(w *worker.Worker, requestID string, ec envelope.ErrorCode) {
	env := envelope.NewError(requestID, ec.Code, ec.Message)
	env.Error.Details = ec.Details
	if err := w.SendError(env); err == nil {
		return
	}
	bare := envelope.NewError(requestID, CodeInternalError, "error serialization failed")
	if err := w.SendError(bare); err != nil {
		w.Stop("output closed")
	}
}

// invoke runs the handler, converting a panic in the invocation plumbing or
// the handler body into a handlerError outcome. A handler failure never
// propagates out of dispatch.
func (e *Engine) invoke(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = Errorf(CodeHandlerError, "handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, call)
}

// --- Built-ins --------------------------------------------------------------

func handlePing(ctx context.Context, call *Call) (any, error) {
	return map[string]any{"response": "pong"}, nil
}

func handleShutdown(ctx context.Context, call *Call) (any, error) {
	call.Worker().Stop("shutdown requested via IPC")
	return map[string]any{"status": "shutting down"}, nil
}

// methodDescription is one entry in the describe result. Params is only
// present for handlers with a fixed parameter record.
type methodDescription struct {
	Name   string             `json:"name"`
	Params *jsonschema.Schema `json:"params,omitempty"`
}

func (e *Engine) handleDescribe(ctx context.Context, call *Call) (any, error) {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	methods := make([]methodDescription, 0, len(names))
	for _, name := range names {
		desc := methodDescription{Name: name}
		if sp, ok := e.handlers[name].(paramsSchemaProvider); ok {
			desc.Params = sp.paramsSchema()
		}
		methods = append(methods, desc)
	}
	return map[string]any{"methods": methods}, nil
}

var _ worker.Router = (*Engine)(nil)
