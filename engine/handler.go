package engine

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Handler is a registered method implementation. The return value is wrapped
// as a terminal result envelope; a non-nil error is resolved through the
// taxonomy into a terminal error envelope. Progress and log side effects go
// through the Call.
type Handler interface {
	Handle(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a plain function to Handler. This is the full-context
// capability: the function works with raw params via call.Bind or
// call.Params.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// paramsSchemaProvider is implemented by handlers whose parameter record is
// fixed at registration; describe surfaces the schema.
type paramsSchemaProvider interface {
	paramsSchema() *jsonschema.Schema
}

// Typed wraps a function taking a fixed parameter record. The record is
// decoded before invocation; undecodable params fail the call with
// invalidParameters and the handler body never runs. The capability is
// chosen here, statically, not re-derived per call.
func Typed[T any](fn func(ctx context.Context, call *Call, params T) (any, error)) Handler {
	return &typedHandler[T]{fn: fn}
}

type typedHandler[T any] struct {
	fn func(ctx context.Context, call *Call, params T) (any, error)
}

func (h *typedHandler[T]) Handle(ctx context.Context, call *Call) (any, error) {
	var params T
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, Errorf(CodeInvalidParameters, "invalid parameters: %v", err)
		}
	}
	return h.fn(ctx, call, params)
}

func (h *typedHandler[T]) paramsSchema() *jsonschema.Schema {
	var zero T
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(&zero)
}
