// Package wire defines the transport-level message shapes for the JSONL
// stream: one JSON object per line, inbound requests/notifications from the
// parent and outbound frames wrapping application envelopes.
package wire

import (
	"encoding/json"
	"errors"
)

// Schema is the transport frame schema generation.
const Schema = "message/v1"

// Transport message types.
const (
	TypeRequest      = "request"
	TypeNotification = "notification"
	TypeResponse     = "response"
)

// Transport-level error codes. Handler-level codes live in the engine's
// taxonomy; these two are produced before a message ever reaches dispatch.
const (
	CodeInvalidJSON    = "invalidJSON"
	CodeInvalidMessage = "invalidMessage"
)

// ErrNotObject reports a line that parsed as valid JSON but whose top-level
// value is not an object.
var ErrNotObject = errors.New("message is not a JSON object")

// AnyMessage is one inbound line after JSON decoding but before protocol
// validation. Fields are captured leniently so the router can report shape
// violations as protocol errors rather than decode failures.
type AnyMessage struct {
	// Type is the message type, or "" when absent or not a JSON string.
	Type string

	ID       string
	HasID    bool
	IDString bool // ID field present and a JSON string

	Method       string
	HasMethod    bool
	MethodString bool

	Params    json.RawMessage
	HasParams bool
}

// Parse decodes a single line. A syntax error is returned unchanged (the
// caller reports invalidJSON); a structurally valid document that is not an
// object returns ErrNotObject.
func Parse(data []byte) (*AnyMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, err
		}
		return nil, ErrNotObject
	}
	if fields == nil {
		// "null" decodes into a nil map without error.
		return nil, ErrNotObject
	}

	m := &AnyMessage{}
	if raw, ok := fields["type"]; ok {
		// A non-string type leaves Type empty and the message is ignored
		// downstream, matching the forward-compatibility rule.
		_ = json.Unmarshal(raw, &m.Type)
	}
	if raw, ok := fields["id"]; ok {
		m.HasID = true
		if err := json.Unmarshal(raw, &m.ID); err == nil {
			m.IDString = true
		}
	}
	if raw, ok := fields["method"]; ok {
		m.HasMethod = true
		if err := json.Unmarshal(raw, &m.Method); err == nil {
			m.MethodString = true
		}
	}
	if raw, ok := fields["params"]; ok {
		m.HasParams = true
		m.Params = raw
	}
	return m, nil
}

// Request is a validated inbound request.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Notification is a validated inbound notification. ID is optional on the
// wire and retained when present.
type Notification struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Outbound is the transport frame for one line written to the parent. TS,
// Seq, and Schema are stamped at the write choke point when left unset.
type Outbound struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Method string         `json:"method,omitempty"`
	Data   any            `json:"data,omitempty"`
	Error  *OutboundError `json:"error,omitempty"`
	TS     string         `json:"ts"`
	Seq    uint64         `json:"seq"`
	Schema string         `json:"schema"`
}

// OutboundError is the bare error payload carried by transport-level
// rejections (router/validator failures that never produced an envelope).
type OutboundError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
