// Package session implements the per-connection Session Loop: the
// handshake gate, the five-event-source select loop (inbound frame,
// outbound response, job completion, idle timer, session timer), and the
// Response Channel that decouples job drivers from the socket write path.
//
// It is grounded on the teacher's internal/gateway handleWS pattern (one
// goroutine pumping reads into a channel, one loop multiplexing reads
// against timers and worker results), adapted to the coder/websocket API
// and to this spec's coordinator/execjob collaborators.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/play-session/internal/coordinator"
	"github.com/basket/play-session/internal/execjob"
	"github.com/basket/play-session/internal/metrics"
	"github.com/basket/play-session/internal/sandbox"
	"github.com/basket/play-session/internal/shared"
	"github.com/basket/play-session/internal/wsproto"
	"github.com/coder/websocket"
)

var wsIDCounter atomic.Uint64

// NextID returns a fresh, process-monotonic connection id for log
// correlation (§12.2 of SPEC_FULL.md).
func NextID() uint64 {
	return wsIDCounter.Add(1)
}

// Config carries the tunables a Session applies; see config.CoordinatorConfig.
type Config struct {
	IdleTimeout    time.Duration
	SessionTimeout time.Duration
}

// Session drives one accepted websocket connection end to end.
type Session struct {
	id      uint64
	conn    *websocket.Conn
	manager *coordinator.Manager
	backend sandbox.Backend
	sink    *metrics.Sink
	logger  *slog.Logger
	cfg     Config
}

// newSession constructs a Session around an already-accepted connection.
// Unexported: the package's public entry point is Server, built via New.
func newSession(conn *websocket.Conn, manager *coordinator.Manager, backend sandbox.Backend, sink *metrics.Sink, logger *slog.Logger, cfg Config) *Session {
	id := NextID()
	return &Session{
		id:      id,
		conn:    conn,
		manager: manager,
		backend: backend,
		sink:    sink,
		logger:  logger.With("ws_id", id),
		cfg:     cfg,
	}
}

// ErrHandshakeDeclined is returned when the first frame is missing or does
// not carry the expected opt-in payload; the caller closes the socket
// without sending anything back (§4.1 "silent close").
var ErrHandshakeDeclined = errors.New("session: handshake declined")

// Run blocks for the lifetime of the connection: handshake, then the event
// loop, until the socket closes, the session times out, or ctx is done. On
// any exit path the coordinator (and through it the backend) is quiesced.
func (s *Session) Run(ctx context.Context) error {
	s.sink.LiveWSInc(ctx)
	defer s.sink.LiveWSDec(ctx)
	start := time.Now()
	defer func() { s.sink.SessionDuration(ctx, time.Since(start).Seconds()) }()
	defer s.teardown()

	if err := s.handshake(ctx); err != nil {
		s.logger.Debug("handshake declined", "error", err)
		return err
	}

	if err := s.sendResponse(ctx, wsproto.FeatureFlagsResponse{MetaVal: wsproto.ServerMeta()}); err != nil {
		return err
	}

	return s.loop(ctx)
}

// handshake implements the Handshake Gate: read exactly one frame, accept
// only the documented opt-in envelope, and echo the accepted frame back
// verbatim so the client sees its own meta confirmed.
func (s *Session) handshake(ctx context.Context) error {
	_, raw, err := s.conn.Read(ctx)
	if err != nil {
		return err
	}
	if !wsproto.ParseHandshake(raw) {
		return ErrHandshakeDeclined
	}
	if err := s.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return err
	}
	s.sink.Outgoing(ctx, true)
	return nil
}

// loop is the Session Loop: the five event sources race in one select,
// exactly as the spec enumerates them.
func (s *Session) loop(ctx context.Context) error {
	responses := make(chan wsproto.Response, 3)
	stopped := make(chan struct{})
	defer close(stopped)

	enqueue := func(r wsproto.Response) bool {
		select {
		case responses <- r:
			return true
		case <-stopped:
			return false
		}
	}

	inbound := make(chan []byte)
	readErrs := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go s.pumpReads(readCtx, inbound, readErrs)

	// The idle timer is only ever running while the task set is empty (§4.2
	// "Idle timer ... only armed when the task set is empty"): it starts
	// armed (a fresh session has no jobs) and is stopped/restarted as jobs
	// start and drain to zero.
	idleTimer := time.NewTimer(s.cfg.IdleTimeout)
	defer idleTimer.Stop()
	sessionTimer := time.NewTimer(s.cfg.SessionTimeout)
	defer sessionTimer.Stop()

	for {
		select {
		case raw := <-inbound:
			s.sink.Incoming(ctx)
			s.handleFrame(ctx, raw, enqueue)
			if s.manager.ActiveCount() > 0 {
				stopTimer(idleTimer)
			}

		case resp := <-responses:
			if err := s.sendResponse(ctx, resp); err != nil {
				return err
			}

		case completion := <-s.manager.Completions():
			s.logger.Debug("job completed",
				"kind", completion.Kind, "cancelled", completion.Cancelled, "panicked", completion.Panicked)
			if completion.Panicked {
				text := fmt.Sprintf("job panicked: %v", completion.PanicVal)
				if !enqueue(wsproto.ErrorResponse{ErrorText: text, MetaVal: wsproto.ServerMeta()}) {
					return errors.New("session: response channel closed while reporting panic")
				}
			}
			// Cancelled completions are discarded: a preempted job ends here,
			// not the session. Abandoned means the response channel itself is
			// gone, which only a dying session can cause.
			if result, ok := completion.Result.(execjob.Result); ok &&
				!completion.Cancelled && result.Outcome == execjob.OutcomeAbandoned {
				return errors.New("session: execute job abandoned, response channel gone")
			}
			if s.manager.ActiveCount() == 0 {
				resetTimer(idleTimer, s.cfg.IdleTimeout)
			}

		case <-idleTimer.C:
			if err := s.manager.Idle(ctx); err != nil {
				if !errors.Is(err, coordinator.ErrOutstandingIdle) {
					if !enqueue(wsproto.ErrorResponse{ErrorText: err.Error(), MetaVal: wsproto.ServerMeta()}) {
						return errors.New("session: response channel closed while reporting idle error")
					}
				}
				s.logger.Debug("idle skipped", "error", err)
			}
			if s.manager.ActiveCount() == 0 {
				idleTimer.Reset(s.cfg.IdleTimeout)
			}

		case <-sessionTimer.C:
			s.logger.Info("session timeout reached")
			return nil

		case err := <-readErrs:
			if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Warn("websocket read error", "error", err)
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame parses one inbound frame and, on success, spawns an Execute
// Job Driver for it; on failure it enqueues a diagnosable error.
func (s *Session) handleFrame(ctx context.Context, raw []byte, enqueue execjob.Enqueue) {
	wire, meta, err := wsproto.ParseIncoming(raw)
	if err != nil {
		// TODO: the source leaves open whether websocket/error should echo
		// the originating request's meta instead of the server sentinel;
		// this port follows the spec's explicit mandate (§9) and always
		// uses the sentinel for server-originated error envelopes.
		enqueue(wsproto.ErrorResponse{ErrorText: err.Error(), MetaVal: wsproto.ServerMeta()})
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	s.logger.Debug("execute request accepted",
		"trace_id", shared.TraceID(ctx), "channel", wire.Channel, "mode", wire.Mode)
	s.manager.Spawn(ctx, coordinator.KindExecute, func(jobCtx context.Context) any {
		return execjob.Handle(jobCtx, s.backend, wire, meta, enqueue, s.sink)
	})
}

// pumpReads is the one goroutine allowed to call conn.Read, turning its
// blocking calls into channel sends the select loop can race against.
// Non-text frames are dropped here, before they reach the dispatcher.
func (s *Session) pumpReads(ctx context.Context, inbound chan<- []byte, errs chan<- error) {
	for {
		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case inbound <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// sendResponse encodes and writes one response, falling back to the
// hand-rolled LastChanceError frame if encoding itself fails (§4.3). The
// outgoing counter's success label reflects what was queued — a normal
// response vs an error envelope or unserializable value — not whether the
// socket write succeeded.
func (s *Session) sendResponse(ctx context.Context, r wsproto.Response) error {
	data, err := wsproto.Encode(r)
	if err != nil {
		data = []byte(wsproto.LastChanceError)
	}
	_, isError := r.(wsproto.ErrorResponse)
	s.sink.Outgoing(ctx, err == nil && !isError)
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// teardown quiesces the coordinator and, by extension, the backend. It runs
// on every exit path, including a declined handshake, so the per-session
// backend never outlives its session.
func (s *Session) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("coordinator shutdown error", "error", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
