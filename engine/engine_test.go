package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/jsonl-worker-go/envelope"
	"github.com/ggoodman/jsonl-worker-go/worker"
)

type frame struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
	TS     string          `json:"ts"`
	Seq    uint64          `json:"seq"`
	Schema string          `json:"schema"`
}

// env is the decoded application envelope nested in a frame's data.
type env struct {
	Schema    string                 `json:"schema"`
	RequestID string                 `json:"request_id"`
	Kind      string                 `json:"kind"`
	Data      json.RawMessage        `json:"data"`
	Error     *envelope.ErrorCode    `json:"error"`
	Progress  *envelope.ProgressData `json:"progress"`
	Final     bool                   `json:"final"`
	Status    string                 `json:"status"`
	Seq       uint64                 `json:"seq"`
	Messages  []envelope.LogMessage  `json:"messages"`
}

// runEngine feeds requests through a real worker wired to the engine and
// returns every outbound frame between ready and shutdown.
func runEngine(t *testing.T, eng *Engine, lines ...string) []frame {
	t.Helper()
	var out strings.Builder
	w := worker.New(eng,
		worker.WithIO(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out),
		worker.WithSignalHandling(false),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := parseFrames(t, out.String())
	if len(frames) < 2 || frames[0].Method != "ready" || frames[len(frames)-1].Method != "shutdown" {
		t.Fatalf("missing ready/shutdown framing: %+v", frames)
	}
	return frames[1 : len(frames)-1]
}

func parseFrames(t *testing.T, output string) []frame {
	t.Helper()
	var frames []frame
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			t.Fatalf("bad outbound line %q: %v", line, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func decodeEnv(t *testing.T, f frame) env {
	t.Helper()
	var e env
	if err := json.Unmarshal(f.Data, &e); err != nil {
		t.Fatalf("frame data is not an envelope: %v", err)
	}
	return e
}

func request(id, method, params string) string {
	if params == "" {
		return `{"type":"request","id":"` + id + `","method":"` + method + `"}`
	}
	return `{"type":"request","id":"` + id + `","method":"` + method + `","params":` + params + `}`
}

func TestPing(t *testing.T) {
	t.Parallel()

	frames := runEngine(t, New(), request("1", "ping", ""))
	if len(frames) != 1 {
		t.Fatalf("expected one response, got %+v", frames)
	}
	e := decodeEnv(t, frames[0])
	if e.Kind != "result" || !e.Final || e.Seq != 1 {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	var data map[string]string
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("result data: %v", err)
	}
	if data["response"] != "pong" {
		t.Errorf("ping data = %v", data)
	}
}

func TestShutdownRequestSequence(t *testing.T) {
	t.Parallel()

	eng := New()
	var out strings.Builder
	input := request("s1", "shutdown", "") + "\n" + request("x", "ping", "") + "\n"
	w := worker.New(eng,
		worker.WithIO(strings.NewReader(input), &out),
		worker.WithSignalHandling(false),
		worker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var frames []frame
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		frames = append(frames, f)
	}

	if len(frames) != 3 {
		t.Fatalf("expected ready, response, shutdown; got %+v", frames)
	}
	e := decodeEnv(t, frames[1])
	if e.Kind != "result" || !e.Final {
		t.Fatalf("shutdown response envelope: %+v", e)
	}
	var data map[string]string
	_ = json.Unmarshal(e.Data, &data)
	if data["status"] != "shutting down" {
		t.Errorf("shutdown result = %v", data)
	}
	if frames[2].Method != "shutdown" {
		t.Errorf("final frame = %+v", frames[2])
	}
	// The ping queued behind shutdown must never have been dispatched.
	for _, f := range frames {
		if f.ID == "x" {
			t.Errorf("request after shutdown produced a frame: %+v", f)
		}
	}
}

func TestMethodNotFound(t *testing.T) {
	t.Parallel()

	frames := runEngine(t, New(), request("1", "foo", ""))
	if len(frames) != 1 {
		t.Fatalf("expected exactly one terminal envelope, got %+v", frames)
	}
	e := decodeEnv(t, frames[0])
	if e.Kind != "error" || !e.Final || e.Status != "failed" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.Error == nil || e.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want %s", e.Error, CodeMethodNotFound)
	}
	if !strings.Contains(e.Error.Message, "foo") {
		t.Errorf("message %q does not name the method", e.Error.Message)
	}
}

func TestDefaultHandlerReceivesOriginalMethod(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc(DefaultMethod, func(ctx context.Context, call *Call) (any, error) {
		return map[string]string{"routed": call.Method}, nil
	})

	frames := runEngine(t, eng, request("1", "no-such-method", ""))
	e := decodeEnv(t, frames[0])
	var data map[string]string
	_ = json.Unmarshal(e.Data, &data)
	if data["routed"] != "no-such-method" {
		t.Errorf("default handler saw method %q", data["routed"])
	}
}

func TestTypedHandlerRejectsBadParams(t *testing.T) {
	t.Parallel()

	type args struct {
		A int `json:"a"`
	}
	eng := New()
	eng.Register("sum", Typed(func(ctx context.Context, call *Call, a args) (any, error) {
		return map[string]int{"a": a.A}, nil
	}))

	frames := runEngine(t, eng, request("1", "sum", `{"a":"not a number"}`))
	e := decodeEnv(t, frames[0])
	if e.Error == nil || e.Error.Code != CodeInvalidParameters {
		t.Fatalf("error = %+v, want %s", e.Error, CodeInvalidParameters)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	errDomain := errors.New("domain failure")

	cases := []struct {
		name     string
		handler  Handler
		register func(*Engine)
		want     string
	}{
		{
			name: "coded error",
			handler: HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
				return nil, Errorf("zeroDivisionError", "division by zero")
			}),
			want: "zeroDivisionError",
		},
		{
			name: "wrapped sentinel",
			handler: HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
				return nil, ErrInvalidParameters
			}),
			want: CodeInvalidParameters,
		},
		{
			name: "plain error falls back",
			handler: HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
				return nil, errors.New("something broke")
			}),
			want: CodeInternalError,
		},
		{
			name: "panic becomes handlerError",
			handler: HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
				panic("boom")
			}),
			want: CodeHandlerError,
		},
		{
			name: "deployment mapping",
			handler: HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
				return nil, errDomain
			}),
			register: func(e *Engine) { e.MapErrorCode(errDomain, "domainError") },
			want:     "domainError",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := New()
			if tc.register != nil {
				tc.register(eng)
			}
			eng.Register("fail", tc.handler)

			frames := runEngine(t, eng, request("1", "fail", ""))
			e := decodeEnv(t, frames[0])
			if e.Error == nil || e.Error.Code != tc.want {
				t.Fatalf("error = %+v, want code %s", e.Error, tc.want)
			}
			if !e.Final || e.Kind != "error" {
				t.Errorf("failure envelope not terminal: %+v", e)
			}
		})
	}
}

func TestEchoParamsRoundTrip(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc("echo", func(ctx context.Context, call *Call) (any, error) {
		return call.Params, nil
	})

	params := `{"s":"héllo","n":1.25,"nested":{"list":[1,2,3],"null":null}}`
	frames := runEngine(t, eng, request("1", "echo", params))
	e := decodeEnv(t, frames[0])

	var got, want any
	if err := json.Unmarshal(e.Data, &got); err != nil {
		t.Fatalf("echo data: %v", err)
	}
	if err := json.Unmarshal([]byte(params), &want); err != nil {
		t.Fatalf("params: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("echoed params differ (-want +got):\n%s", diff)
	}

	var compactWant, compactGot bytes.Buffer
	if err := json.Compact(&compactWant, []byte(params)); err != nil {
		t.Fatal(err)
	}
	if err := json.Compact(&compactGot, e.Data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(compactWant.Bytes(), compactGot.Bytes()) {
		t.Errorf("echo not byte-for-byte: %s vs %s", compactWant.String(), compactGot.String())
	}
}

func TestDuplicateRequestsAreIndependent(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc("work", func(ctx context.Context, call *Call) (any, error) {
		_ = call.SendProgress(envelope.ProgressData{Ratio: 1, Current: 1, Total: 1, Unit: "items"})
		return map[string]string{"done": call.RequestID}, nil
	})

	frames := runEngine(t, eng,
		request("a", "work", `{"x":1}`),
		request("b", "work", `{"x":1}`),
	)
	if len(frames) != 4 {
		t.Fatalf("expected 2 progress + 2 results, got %+v", frames)
	}

	byRequest := map[string][]env{}
	for _, f := range frames {
		e := decodeEnv(t, f)
		byRequest[e.RequestID] = append(byRequest[e.RequestID], e)
	}
	for _, id := range []string{"a", "b"} {
		envs := byRequest[id]
		if len(envs) != 2 {
			t.Fatalf("request %q: envelopes = %+v", id, envs)
		}
		if envs[0].Seq != 1 || envs[1].Seq != 2 {
			t.Errorf("request %q: seqs %d,%d want 1,2", id, envs[0].Seq, envs[1].Seq)
		}
		if envs[1].Kind != "result" || !envs[1].Final {
			t.Errorf("request %q: terminal envelope %+v", id, envs[1])
		}
	}
}

func TestProgressRatios(t *testing.T) {
	t.Parallel()

	type progressArgs struct {
		Steps int `json:"steps"`
	}
	eng := New()
	eng.Register("progress", Typed(func(ctx context.Context, call *Call, args progressArgs) (any, error) {
		for i := 0; i <= args.Steps; i++ {
			if err := call.SendProgress(envelope.ProgressData{
				Ratio:   float64(i) / float64(args.Steps),
				Current: float64(i),
				Total:   float64(args.Steps),
				Unit:    "steps",
			}); err != nil {
				return nil, err
			}
		}
		return map[string]any{"status": "progress_complete"}, nil
	}))

	frames := runEngine(t, eng, request("1", "progress", `{"steps":3}`))
	if len(frames) != 5 {
		t.Fatalf("expected 4 progress + 1 result, got %d", len(frames))
	}

	wantRatios := []float64{0, 1.0 / 3, 2.0 / 3, 1}
	for i, f := range frames[:4] {
		if f.Type != "notification" || f.Method != "progress" {
			t.Fatalf("frame %d is not a progress notification: %+v", i, f)
		}
		e := decodeEnv(t, f)
		if e.Progress == nil || e.Progress.Ratio != wantRatios[i] {
			t.Errorf("progress %d ratio = %+v, want %v", i, e.Progress, wantRatios[i])
		}
		if e.Status != "running" {
			t.Errorf("progress %d status = %q", i, e.Status)
		}
	}
	terminal := decodeEnv(t, frames[4])
	if terminal.Kind != "result" || !terminal.Final || terminal.Seq != 5 {
		t.Errorf("terminal envelope: %+v", terminal)
	}
}

func TestUnserializableResultYieldsInternalError(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc("nan", func(ctx context.Context, call *Call) (any, error) {
		return map[string]any{"v": math.NaN()}, nil
	})

	var out strings.Builder
	w := worker.New(eng,
		worker.WithIO(strings.NewReader(request("r1", "nan", "")+"\n"), &out),
		worker.WithSignalHandling(false),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := parseFrames(t, out.String())
	if len(frames) != 3 {
		t.Fatalf("expected ready, terminal error, shutdown; got %+v", frames)
	}

	var terminals []env
	for _, f := range frames {
		if f.ID != "r1" {
			continue
		}
		terminals = append(terminals, decodeEnv(t, f))
	}
	if len(terminals) != 1 {
		t.Fatalf("request r1 received %d terminal frames, want exactly 1", len(terminals))
	}
	terminal := terminals[0]
	if terminal.Kind != "error" || !terminal.Final {
		t.Fatalf("terminal envelope: %+v", terminal)
	}
	if terminal.Error == nil || terminal.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want %s", terminal.Error, CodeInternalError)
	}
	// The dropped result must not leave gaps: per-request seq restarts at 1
	// and the session-wide seq stays contiguous across all three frames.
	if terminal.Seq != 1 {
		t.Errorf("terminal per-request seq = %d, want 1", terminal.Seq)
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d session seq = %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestUnserializableErrorDetailsFallBack(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc("fail", func(ctx context.Context, call *Call) (any, error) {
		return nil, &Error{Code: "badDetails", Message: "boom", Details: map[string]any{"v": math.Inf(1)}}
	})

	frames := runEngine(t, eng, request("r1", "fail", ""))
	if len(frames) != 1 {
		t.Fatalf("expected exactly one terminal frame, got %+v", frames)
	}
	e := decodeEnv(t, frames[0])
	if e.Kind != "error" || !e.Final || e.Seq != 1 {
		t.Fatalf("terminal envelope: %+v", e)
	}
	if e.Error == nil || e.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want bare %s fallback", e.Error, CodeInternalError)
	}
}

func TestCancelledContextShutdownMatchesInBandTraffic(t *testing.T) {
	t.Parallel()

	inband := runEngine(t, New(), request("s1", "shutdown", ""))
	if len(inband) != 1 {
		t.Fatalf("in-band shutdown traffic: %+v", inband)
	}
	inbandEnv := decodeEnv(t, inband[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The input never delivers a line; the synthetic shutdown request the
	// cancellation produces is the only dispatch.
	r, pw := io.Pipe()
	defer pw.Close()
	var out strings.Builder
	w := worker.New(New(),
		worker.WithIO(r, &out),
		worker.WithSignalHandling(false),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	pw.Close()

	frames := parseFrames(t, out.String())
	if len(frames) != 3 {
		t.Fatalf("expected ready, shutdown response, shutdown notification; got %+v", frames)
	}
	resp := frames[1]
	if resp.Type != "response" || resp.ID != w.SessionID() {
		t.Fatalf("synthetic shutdown response: %+v", resp)
	}
	if frames[2].Method != "shutdown" || frames[2].Type != "notification" {
		t.Fatalf("final frame: %+v", frames[2])
	}

	e := decodeEnv(t, resp)
	if e.Kind != inbandEnv.Kind || e.Final != inbandEnv.Final || e.Seq != inbandEnv.Seq {
		t.Errorf("synthetic envelope %+v differs from in-band %+v", e, inbandEnv)
	}
	var got, want map[string]string
	if err := json.Unmarshal(e.Data, &got); err != nil {
		t.Fatalf("synthetic result data: %v", err)
	}
	if err := json.Unmarshal(inbandEnv.Data, &want); err != nil {
		t.Fatalf("in-band result data: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("shutdown result payloads differ (-inband +synthetic):\n%s", diff)
	}
}

func TestNotificationRoutesWithSessionScope(t *testing.T) {
	t.Parallel()

	eng := New()
	var seen string
	eng.RegisterFunc("observe", func(ctx context.Context, call *Call) (any, error) {
		seen = call.RequestID
		return nil, nil
	})

	frames := runEngine(t, eng, `{"type":"notification","method":"observe"}`)
	if len(frames) != 1 {
		t.Fatalf("expected one result, got %+v", frames)
	}
	if seen == "" || frames[0].ID != seen {
		t.Errorf("notification result addressed to %q, handler saw %q", frames[0].ID, seen)
	}
	if !strings.HasPrefix(seen, "sess_") {
		t.Errorf("notification did not fall back to the session id: %q", seen)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	type addArgs struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	eng := New()
	eng.Register("add", Typed(func(ctx context.Context, call *Call, args addArgs) (any, error) {
		return map[string]float64{"sum": args.A + args.B}, nil
	}))

	frames := runEngine(t, eng, request("1", "describe", ""))
	e := decodeEnv(t, frames[0])

	var data struct {
		Methods []struct {
			Name   string          `json:"name"`
			Params json.RawMessage `json:"params"`
		} `json:"methods"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("describe data: %v", err)
	}

	var names []string
	for _, m := range data.Methods {
		names = append(names, m.Name)
	}
	want := []string{"add", "describe", "ping", "shutdown"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("methods (-want +got):\n%s", diff)
	}

	for _, m := range data.Methods {
		if m.Name != "add" {
			continue
		}
		if len(m.Params) == 0 {
			t.Fatal("typed handler has no params schema")
		}
		var schema struct {
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(m.Params, &schema); err != nil {
			t.Fatalf("schema: %v", err)
		}
		if _, ok := schema.Properties["a"]; !ok {
			t.Errorf("schema missing property a: %s", m.Params)
		}
	}
}

func TestLogEnvelopeScopes(t *testing.T) {
	t.Parallel()

	eng := New()
	eng.RegisterFunc("log", func(ctx context.Context, call *Call) (any, error) {
		if err := call.SendSessionLog([]envelope.LogMessage{
			envelope.NewLogMessage(envelope.LevelInfo, "session scope", nil),
		}); err != nil {
			return nil, err
		}
		if err := call.LogWarn("request scope", nil); err != nil {
			return nil, err
		}
		return map[string]string{"status": "logs_sent"}, nil
	})

	frames := runEngine(t, eng, request("r9", "log", ""))
	if len(frames) != 3 {
		t.Fatalf("expected 2 logs + result, got %+v", frames)
	}

	sessionLog := decodeEnv(t, frames[0])
	if sessionLog.RequestID != "" || sessionLog.Seq != 0 {
		t.Errorf("session log leaked request scope: %+v", sessionLog)
	}
	if !strings.HasPrefix(frames[0].ID, "sess_") {
		t.Errorf("session log frame addressed to %q", frames[0].ID)
	}

	reqLog := decodeEnv(t, frames[1])
	if reqLog.RequestID != "r9" || reqLog.Seq != 1 {
		t.Errorf("request log scope: %+v", reqLog)
	}
	if reqLog.Messages[0].Level != envelope.LevelWarn {
		t.Errorf("request log level: %+v", reqLog.Messages)
	}

	result := decodeEnv(t, frames[2])
	if result.Seq != 2 {
		t.Errorf("result per-request seq = %d, want 2", result.Seq)
	}
}
