package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/play-session/internal/metrics"
	"github.com/basket/play-session/internal/sandbox"
	"github.com/basket/play-session/internal/wsproto"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakeBackend struct{}

func (fakeBackend) BeginExecute(ctx context.Context, req wsproto.ValidatedExecuteRequest) (*sandbox.ActiveExecution, error) {
	stdout := make(chan string, 1)
	stderr := make(chan string)
	done := make(chan sandbox.Status, 1)
	stdout <- "hello\n"
	close(stdout)
	close(stderr)
	done <- sandbox.Status{Success: true, ExitDetail: "exit code 0"}
	close(done)
	return &sandbox.ActiveExecution{Done: done, Stdout: stdout, Stderr: stderr}, nil
}
func (fakeBackend) Idle(ctx context.Context) error     { return nil }
func (fakeBackend) Shutdown(ctx context.Context) error { return nil }

func testServer(t *testing.T, newBackend func() (sandbox.Backend, error)) *httptest.Server {
	t.Helper()
	sink, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(ServerConfig{
		NewBackend:  newBackend,
		Sink:        sink,
		Logger:      logger,
		Parallelism: 2,
		SessionCfg:  Config{IdleTimeout: time.Minute, SessionTimeout: time.Minute},
	})
	return httptest.NewServer(srv.Handler())
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    json.RawMessage `json:"meta"`
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestSession_HandshakeThenExecuteSequence(t *testing.T) {
	ts := testServer(t, func() (sandbox.Backend, error) { return fakeBackend{}, nil })
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	handshake := `{"type":"websocket/connected","payload":{"iAcceptThisIsAnUnsupportedApi":true}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	echo := readEnvelope(t, ctx, conn)
	if echo.Type != "websocket/connected" {
		t.Fatalf("expected handshake echo first, got %q", echo.Type)
	}

	first := readEnvelope(t, ctx, conn)
	if first.Type != "featureFlags" {
		t.Fatalf("expected featureFlags after echo, got %q", first.Type)
	}

	execReq := `{"type":"output/execute/wsExecuteRequest","payload":{"channel":"stable","mode":"debug","edition":"2021","crateType":"bin","tests":false,"code":"fn main(){}","backtrace":false},"meta":{"sequenceNumber":1}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(execReq)); err != nil {
		t.Fatalf("write execute request: %v", err)
	}

	begin := readEnvelope(t, ctx, conn)
	if begin.Type != "output/execute/wsExecuteBegin" {
		t.Fatalf("expected wsExecuteBegin, got %q", begin.Type)
	}

	var sawStdout, sawEnd bool
	for i := 0; i < 5 && !sawEnd; i++ {
		env := readEnvelope(t, ctx, conn)
		switch env.Type {
		case "output/execute/wsExecuteStdout":
			sawStdout = true
		case "output/execute/wsExecuteEnd":
			sawEnd = true
		}
	}
	if !sawStdout {
		t.Error("expected a stdout chunk")
	}
	if !sawEnd {
		t.Error("expected an end message")
	}
}

// preemptBackend hangs the first execution forever (it ends only via
// cancellation) and serves every later one like fakeBackend.
type preemptBackend struct {
	calls atomic.Int32
}

func (b *preemptBackend) BeginExecute(ctx context.Context, req wsproto.ValidatedExecuteRequest) (*sandbox.ActiveExecution, error) {
	if b.calls.Add(1) == 1 {
		return &sandbox.ActiveExecution{
			Done:   make(chan sandbox.Status),
			Stdout: make(chan string),
			Stderr: make(chan string),
		}, nil
	}
	return fakeBackend{}.BeginExecute(ctx, req)
}
func (b *preemptBackend) Idle(ctx context.Context) error     { return nil }
func (b *preemptBackend) Shutdown(ctx context.Context) error { return nil }

func TestSession_NewerExecutePreemptsOlderWithoutKillingSession(t *testing.T) {
	ts := testServer(t, func() (sandbox.Backend, error) { return &preemptBackend{}, nil })
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	handshake := `{"type":"websocket/connected","payload":{"iAcceptThisIsAnUnsupportedApi":true}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	readEnvelope(t, ctx, conn) // echo
	readEnvelope(t, ctx, conn) // featureFlags

	execReq := `{"type":"output/execute/wsExecuteRequest","payload":{"channel":"stable","mode":"debug","edition":"2021","crateType":"bin","tests":false,"code":"fn main(){}","backtrace":false},"meta":{"sequenceNumber":1}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(execReq)); err != nil {
		t.Fatalf("write first execute: %v", err)
	}

	first := readEnvelope(t, ctx, conn)
	if first.Type != "output/execute/wsExecuteBegin" {
		t.Fatalf("expected wsExecuteBegin for the first job, got %q", first.Type)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(execReq)); err != nil {
		t.Fatalf("write second execute: %v", err)
	}

	// The first job is preempted without an End; the second runs to
	// completion. Exactly one more Begin and one End must follow.
	var begins, ends int
	for ends == 0 {
		env := readEnvelope(t, ctx, conn)
		switch env.Type {
		case "output/execute/wsExecuteBegin":
			begins++
		case "output/execute/wsExecuteEnd":
			ends++
		}
	}
	if begins != 1 {
		t.Fatalf("expected exactly one more Begin after preemption, got %d", begins)
	}

	// The session survives: a bad request still gets a structured error.
	bad := `{"type":"output/execute/wsExecuteRequest","payload":{"channel":"nonsense","mode":"debug","edition":"2021","crateType":"bin","tests":false,"code":"","backtrace":false},"meta":{"sequenceNumber":2}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(bad)); err != nil {
		t.Fatalf("write bad request: %v", err)
	}
	env := readEnvelope(t, ctx, conn)
	if env.Type != "websocket/error" {
		t.Fatalf("expected websocket/error, got %q", env.Type)
	}
}

func TestSession_HandshakeDeclinedClosesConnection(t *testing.T) {
	ts := testServer(t, func() (sandbox.Backend, error) { return fakeBackend{}, nil })
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"not/the/handshake"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection to close without any response")
	}
}
