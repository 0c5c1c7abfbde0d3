package engine

import (
	"encoding/json"

	"github.com/ggoodman/jsonl-worker-go/envelope"
	"github.com/ggoodman/jsonl-worker-go/worker"
)

// Call is the dispatch context handed to a handler: the routed method, the
// logical request id (the request's id, or the session id for
// notifications), the raw params, and the side-effect surface for emitting
// non-terminal envelopes while the handler runs.
type Call struct {
	Method    string
	RequestID string
	Params    json.RawMessage

	w *worker.Worker
}

// Worker exposes the session the call belongs to. Handlers use it for
// session-level concerns such as stopping the worker.
func (c *Call) Worker() *worker.Worker { return c.w }

// Bind decodes the call's params into dst, reporting failures as
// invalidParameters. Absent params leave dst untouched.
func (c *Call) Bind(dst any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, dst); err != nil {
		return Errorf(CodeInvalidParameters, "invalid parameters: %v", err)
	}
	return nil
}

// SendProgress emits a progress notification for this request. Non-terminal.
func (c *Call) SendProgress(data envelope.ProgressData) error {
	return c.w.SendProgress(envelope.NewProgress(c.RequestID, data))
}

// SendPartialResult streams a non-terminal result ahead of the handler's
// terminal outcome.
func (c *Call) SendPartialResult(data any) error {
	return c.w.SendResult(envelope.NewPartialResult(c.RequestID, data))
}

// SendLog emits a request-scoped log notification.
func (c *Call) SendLog(messages []envelope.LogMessage) error {
	return c.w.SendLog(envelope.NewLog(c.RequestID, messages))
}

// SendSessionLog emits a session-scoped log notification (no request id, no
// per-request seq).
func (c *Call) SendSessionLog(messages []envelope.LogMessage) error {
	return c.w.SendLog(envelope.NewLog("", messages))
}

// LogInfo emits a single request-scoped info message.
func (c *Call) LogInfo(message string, details any) error {
	return c.SendLog([]envelope.LogMessage{envelope.NewLogMessage(envelope.LevelInfo, message, details)})
}

// LogWarn emits a single request-scoped warning message.
func (c *Call) LogWarn(message string, details any) error {
	return c.SendLog([]envelope.LogMessage{envelope.NewLogMessage(envelope.LevelWarn, message, details)})
}

// LogError emits a single request-scoped error message. Non-terminal.
func (c *Call) LogError(message string, details any) error {
	return c.SendLog([]envelope.LogMessage{envelope.NewLogMessage(envelope.LevelError, message, details)})
}
