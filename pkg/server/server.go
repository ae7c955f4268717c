// Package server exposes a session over HTTP.
//
// Endpoints:
//
//	GET /v1/ws      websocket caller API (see Request and Message)
//	GET /v1/status  engine availability probes
//	GET /metrics    prometheus metrics
//	GET /healthz    liveness
//
// All websocket connections share one session, so at most one run is in
// flight per server. State changes are pushed to every connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/session"
)

// Prober reports engine availability. *nexus.Orchestrator implements it.
type Prober interface {
	Preflight(ctx context.Context) []nexus.EngineStatus
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithProber enables /v1/status.
func WithProber(p Prober) Option {
	return func(s *Server) { s.prober = p }
}

// WithRegistry serves /metrics from reg and registers the server's own
// collectors with it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithProbeTimeout bounds /v1/status. Default 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Server) { s.probeTimeout = d }
}

// Server serves one session.
type Server struct {
	sess         *session.Session
	prober       Prober
	registry     *prometheus.Registry
	logger       *slog.Logger
	probeTimeout time.Duration

	upgrader websocket.Upgrader
	conns    prometheus.Gauge
}

// New returns a server for sess.
func New(sess *session.Session, opts ...Option) *Server {
	s := &Server{
		sess:         sess,
		logger:       slog.Default(),
		probeTimeout: 5 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry != nil {
		if err := s.registry.Register(s.conns); err != nil {
			s.logger.Warn("server: register metrics", "error", err)
		}
	}
	return s
}

// Handler returns the HTTP handler of all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready, if not nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.logger.Info("server: listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.sess.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		http.Error(w, "no engines configured", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, struct {
		Engines []nexus.EngineStatus `json:"engines"`
		Session session.State        `json:"session"`
	}{s.prober.Preflight(ctx), s.sess.State()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("server: upgrade", "error", err)
		return
	}
	s.conns.Inc()
	defer s.conns.Dec()

	c := newConn(s, ws)
	c.serve(r.Context())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
