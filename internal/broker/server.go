package broker

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/tunely/tunely/internal/metrics"
	"github.com/tunely/tunely/internal/store"
)

// Server is the main broker process: it accepts public forwarded HTTP
// traffic and agent control-channel websocket connections over the same
// listener.
type Server struct {
	cfg        *Config
	registry   *Registry
	pending    *PendingTable
	dispatcher *Dispatcher
	store      *store.Store
	upgrader   websocket.Upgrader
}

// NewServer wires a Registry, PendingTable, and Dispatcher around st and
// returns a configured broker server.
func NewServer(cfg *Config, st *store.Store) *Server {
	registry := NewRegistry(st)
	pending := NewPendingTable(cfg.Control.StreamQueueDepth)
	dispatcher := NewDispatcher(registry, st, cfg.Control.RequestTimeout)
	return &Server{
		cfg:        cfg,
		registry:   registry,
		pending:    pending,
		dispatcher: dispatcher,
		store:      st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the broker server and blocks until it exits.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Control.Path, s.handleTunnel)
	mux.Handle("POST /api/tunnels/{domain}/forward", s.dispatcher)
	mux.Handle("/metrics", metrics.Handler())

	slog.Info("broker starting", "addr", s.cfg.Listen.Addr, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(
			s.cfg.Listen.Addr,
			s.cfg.TLS.CertFile,
			s.cfg.TLS.KeyFile,
			mux,
		)
	}
	return http.ListenAndServe(s.cfg.Listen.Addr, mux)
}

// handleTunnel upgrades an inbound agent connection and hands it to a new
// Session. Authentication happens on the first control frame, not at
// upgrade time, so the session starts in AwaitingAuth.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	sess := NewSession(conn, s.pending, s.cfg.Control.HeartbeatInterval, s.cfg.Control.AuthTimeout, s.cfg.Control.MaxFrameBytes)
	slog.Info("agent connection accepted", "tunnel_id", sess.ID(), "remote", r.RemoteAddr)
	go sess.Run(s.registry)
}

// Close releases the underlying store.
func (s *Server) Close(_ context.Context) error {
	return s.store.Close()
}
