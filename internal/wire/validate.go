package wire

import (
	"encoding/json"
	"fmt"
)

// Scope says where a validation failure must be reported: against the
// session (no usable request id) or against the offending request.
type Scope int

const (
	ScopeSession Scope = iota
	ScopeRequest
)

// ValidationError is a protocol shape violation detected by the router. It
// is reported to the parent as a transport-level error and the offending
// message is dropped before dispatch.
type ValidationError struct {
	Scope     Scope
	RequestID string // set when Scope is ScopeRequest
	Code      string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(scope Scope, requestID, message string) *ValidationError {
	return &ValidationError{Scope: scope, RequestID: requestID, Code: CodeInvalidMessage, Message: message}
}

// AsRequest validates the request shape and returns the routable request.
// Violations involving the id itself are session-scoped; once a usable id is
// known, violations are reported against that request.
func (m *AnyMessage) AsRequest() (*Request, *ValidationError) {
	if !m.HasID || !m.IDString || m.ID == "" {
		return nil, invalid(ScopeSession, "", "Request must have string 'id' field")
	}
	if !m.HasMethod || !m.MethodString {
		return nil, invalid(ScopeRequest, m.ID, "Request must have string 'method' field")
	}
	if m.HasParams && !isObject(m.Params) {
		return nil, invalid(ScopeRequest, m.ID, "Request 'params' must be an object")
	}
	return &Request{ID: m.ID, Method: m.Method, Params: m.Params}, nil
}

// AsNotification validates the notification shape. All violations are
// session-scoped because notifications carry no required id.
func (m *AnyMessage) AsNotification() (*Notification, *ValidationError) {
	if !m.HasMethod || !m.MethodString {
		return nil, invalid(ScopeSession, "", "Notification must have string 'method' field")
	}
	if m.HasParams && !isObject(m.Params) {
		return nil, invalid(ScopeSession, "", "Notification 'params' must be an object")
	}
	n := &Notification{Method: m.Method, Params: m.Params}
	if m.IDString {
		n.ID = m.ID
	}
	return n, nil
}

func isObject(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	// "null" decodes into a nil map without error.
	return probe != nil
}
