package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/ggoodman/jsonl-worker-go/envelope"
	"github.com/ggoodman/jsonl-worker-go/internal/wire"
)

// writeMux is the single choke point for the outbound stream. Every frame is
// stamped with the session-wide sequence number, serialized to one line, and
// flushed before the mutex is released, so the parent observes frames in
// exactly the order they were assigned seq values and never sees a partial
// line even if concurrent producers appear in the future.
type writeMux struct {
	mu  sync.Mutex
	w   *bufio.Writer
	seq uint64
}

func newWriteMux(w io.Writer) *writeMux {
	return &writeMux{w: bufio.NewWriter(w)}
}

func (m *writeMux) send(frame *wire.Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame.TS == "" {
		frame.TS = envelope.Now()
	}
	if frame.Schema == "" {
		frame.Schema = wire.Schema
	}
	next := m.seq + 1
	stamped := frame.Seq == 0
	if stamped {
		frame.Seq = next
	}

	// The session counter only advances once the frame is known to
	// serialize, so a rejected payload leaves no gap in the seq order.
	line, err := json.Marshal(frame)
	if err != nil {
		if stamped {
			frame.Seq = 0
		}
		return err
	}
	m.seq = next
	if _, err := m.w.Write(line); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}
