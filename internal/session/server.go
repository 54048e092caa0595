package session

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/basket/play-session/internal/coordinator"
	"github.com/basket/play-session/internal/metrics"
	"github.com/basket/play-session/internal/sandbox"
	"github.com/coder/websocket"
)

// ServerConfig bundles the collaborators every accepted connection needs.
// A fresh coordinator.Manager and a fresh backend are built per connection
// since permits, cancellation slots, and the backend handle are all
// session-scoped (§3): the manager's Shutdown tears the backend down with
// the session, so the handle cannot be shared across connections.
type ServerConfig struct {
	NewBackend   func() (sandbox.Backend, error)
	Sink         *metrics.Sink
	Logger       *slog.Logger
	Parallelism  int64
	AllowOrigins []string
	SessionCfg   Config
}

// Server is the HTTP front door: it accepts websocket upgrades on /ws and
// reports readiness on /healthz.
type Server struct {
	cfg ServerConfig
}

// New builds a Server.
func New(cfg ServerConfig) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the http.Handler to mount (directly, or behind a mux the
// caller owns alongside other routes).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	backend, err := s.cfg.NewBackend()
	if err != nil {
		s.cfg.Logger.Error("backend construction failed", "error", err)
		conn.Close(websocket.StatusInternalError, "backend unavailable")
		return
	}

	manager := coordinator.NewManager(s.cfg.Parallelism, backend)
	sess := newSession(conn, manager, backend, s.cfg.Sink, s.cfg.Logger, s.cfg.SessionCfg)

	if err := sess.Run(r.Context()); err != nil {
		s.cfg.Logger.Debug("session ended", "error", err)
	}
}
