package engine

import (
	"errors"
	"fmt"

	"github.com/ggoodman/jsonl-worker-go/envelope"
)

// Stable protocol error codes produced by the dispatcher itself. Handlers
// choose their own codes by returning an *Error.
const (
	CodeMethodNotFound    = "methodNotFound"
	CodeInvalidParameters = "invalidParameters"
	CodeInternalError     = "internalError"
	CodeHandlerError      = "handlerError"
)

// Sentinel failures handlers can wrap or return directly; the default
// taxonomy maps them to their protocol codes.
var (
	ErrMethodNotFound    = errors.New("method not found")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Error is a handler failure with a caller-chosen protocol code, e.g.
// zeroDivisionError. It is the failure arm of a handler outcome: a handler
// returns either a payload or an error, never throws across the dispatch
// boundary.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

type errorMapping struct {
	target error
	code   string
}

// MapErrorCode registers an errors.Is mapping from a sentinel failure to a
// protocol code. Later registrations take precedence over earlier ones and
// over the defaults.
func (e *Engine) MapErrorCode(target error, code string) {
	e.errorMap = append([]errorMapping{{target: target, code: code}}, e.errorMap...)
}

// resolveError maps a handler failure to the error payload of a terminal
// envelope. Every failure resolves to some code; internalError is the
// fallback.
func (e *Engine) resolveError(err error) envelope.ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return envelope.NewErrorCode(coded.Code, coded.Message, coded.Details)
	}
	for _, m := range e.errorMap {
		if errors.Is(err, m.target) {
			return envelope.NewErrorCode(m.code, err.Error(), nil)
		}
	}
	return envelope.NewErrorCode(CodeInternalError, err.Error(), nil)
}
