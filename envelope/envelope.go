package envelope

import "time"

// Schema is the envelope schema generation produced by this package.
const Schema = "envelope/v1"

// Kind discriminates the payload shapes nested inside a transport frame.
type Kind string

const (
	KindResult   Kind = "result"   // success (final or partial) for a request
	KindError    Kind = "error"    // terminal failure for a request
	KindProgress Kind = "progress" // periodic update while a request runs
	KindLog      Kind = "log"      // diagnostics, request- or session-scoped
)

// Status is a coarse lifecycle value consumers can surface in UIs/ops.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// LogLevel is the severity of a LogMessage.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ErrorCode is a structured error with a stable machine-readable code.
type ErrorCode struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// LogMessage is one diagnostic line. Details may carry free-form data or a
// nested ErrorCode.
type LogMessage struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
	Details any      `json:"details,omitempty"`
}

// ProgressData describes how far along a request is.
type ProgressData struct {
	Ratio   float64 `json:"ratio"`   // 0.0..1.0
	Current float64 `json:"current"` // processed items
	Total   float64 `json:"total"`   // estimated/known
	Unit    string  `json:"unit"`    // "items", "bytes", "steps"
	Stage   string  `json:"stage,omitempty"`
	Message string  `json:"message,omitempty"`
	ETAMs   int64   `json:"eta_ms,omitempty"`
}

// Envelope is implemented by all payload shapes.
type Envelope interface {
	EnvelopeKind() Kind
}

// Sequenced is implemented by envelopes that receive a per-request sequence
// number. SetSeq is called exactly once by the worker as the envelope is
// written; ScopeRequestID returns the request the sequence belongs to, or ""
// for session-scoped envelopes.
type Sequenced interface {
	ScopeRequestID() string
	SetSeq(uint64)
}

// Result reports success for a request. Final is true unless the handler is
// streaming partial results ahead of its terminal envelope.
type Result struct {
	Schema    string       `json:"schema"`
	RequestID string       `json:"request_id"`
	Kind      Kind         `json:"kind"`
	TS        string       `json:"ts"`
	Data      any          `json:"data"`
	Final     bool         `json:"final"`
	Messages  []LogMessage `json:"messages"`
	Seq       uint64       `json:"seq,omitempty"`
}

func (e *Result) EnvelopeKind() Kind     { return KindResult }
func (e *Result) ScopeRequestID() string { return e.RequestID }
func (e *Result) SetSeq(seq uint64)      { e.Seq = seq }

// Error reports a terminal failure for a request. Final is always true.
type Error struct {
	Schema    string         `json:"schema"`
	RequestID string         `json:"request_id"`
	Kind      Kind           `json:"kind"`
	TS        string         `json:"ts"`
	Error     ErrorCode      `json:"error"`
	Final     bool           `json:"final"`
	Status    Status         `json:"status"`
	Messages  []LogMessage   `json:"messages"`
	Details   map[string]any `json:"details,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
}

func (e *Error) EnvelopeKind() Kind     { return KindError }
func (e *Error) ScopeRequestID() string { return e.RequestID }
func (e *Error) SetSeq(seq uint64)      { e.Seq = seq }

// Progress is a non-terminal update for a running request.
type Progress struct {
	Schema    string       `json:"schema"`
	RequestID string       `json:"request_id"`
	Kind      Kind         `json:"kind"`
	TS        string       `json:"ts"`
	Progress  ProgressData `json:"progress"`
	Status    Status       `json:"status"`
	Messages  []LogMessage `json:"messages"`
	Seq       uint64       `json:"seq,omitempty"`
}

func (e *Progress) EnvelopeKind() Kind     { return KindProgress }
func (e *Progress) ScopeRequestID() string { return e.RequestID }
func (e *Progress) SetSeq(seq uint64)      { e.Seq = seq }

// Log batches one or more diagnostic messages. RequestID is empty for
// session-scoped logs; session-scoped logs carry no per-request seq.
type Log struct {
	Schema    string       `json:"schema"`
	Kind      Kind         `json:"kind"`
	TS        string       `json:"ts"`
	Messages  []LogMessage `json:"messages"`
	RequestID string       `json:"request_id,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
}

func (e *Log) EnvelopeKind() Kind     { return KindLog }
func (e *Log) ScopeRequestID() string { return e.RequestID }
func (e *Log) SetSeq(seq uint64)      { e.Seq = seq }

// Now returns the timestamp format used on every envelope and transport
// frame: RFC 3339 with sub-second precision, always UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewErrorCode builds a structured error value.
func NewErrorCode(code, message string, details map[string]any) ErrorCode {
	return ErrorCode{Code: code, Message: message, Details: details}
}

// NewLogMessage builds a single diagnostic message.
func NewLogMessage(level LogLevel, message string, details any) LogMessage {
	return LogMessage{Level: level, Message: message, Details: details}
}

// NewResult builds a terminal result envelope for a request. Data may be nil.
func NewResult(requestID string, data any) *Result {
	return &Result{
		Schema:    Schema,
		RequestID: requestID,
		Kind:      KindResult,
		TS:        Now(),
		Data:      data,
		Final:     true,
		Messages:  []LogMessage{},
	}
}

// NewPartialResult builds a streaming (non-terminal) result envelope.
func NewPartialResult(requestID string, data any) *Result {
	env := NewResult(requestID, data)
	env.Final = false
	return env
}

// NewError builds a terminal error envelope for a request.
func NewError(requestID, code, message string) *Error {
	return &Error{
		Schema:    Schema,
		RequestID: requestID,
		Kind:      KindError,
		TS:        Now(),
		Error:     NewErrorCode(code, message, nil),
		Final:     true,
		Status:    StatusFailed,
		Messages:  []LogMessage{},
	}
}

// NewProgress builds a progress envelope for a running request.
func NewProgress(requestID string, data ProgressData) *Progress {
	return &Progress{
		Schema:    Schema,
		RequestID: requestID,
		Kind:      KindProgress,
		TS:        Now(),
		Progress:  data,
		Status:    StatusRunning,
		Messages:  []LogMessage{},
	}
}

// NewLog builds a log envelope. An empty requestID makes it session-scoped.
func NewLog(requestID string, messages []LogMessage) *Log {
	return &Log{
		Schema:    Schema,
		Kind:      KindLog,
		TS:        Now(),
		Messages:  messages,
		RequestID: requestID,
	}
}

// NewLogError wraps a non-terminal error in a log envelope so it can be
// surfaced without ending the request.
func NewLogError(requestID, code, message string, details map[string]any) *Log {
	err := NewErrorCode(code, message, details)
	return NewLog(requestID, []LogMessage{NewLogMessage(LevelError, message, err)})
}
