package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/config"
	"github.com/nexus-edge/vxi11-gateway/internal/health"
)

// Server is the management HTTP listener: devices/mappings config,
// hot reload, the lock table, Prometheus metrics, health checks, and a
// websocket log/event stream. Grounded on the teacher's cmd/gateway
// mux-building section and original_source/gui_server.py's Flask route
// table (spec.md §6).
type Server struct {
	cfg  config.APIConfig
	log  zerolog.Logger
	hub  *Hub
	http *http.Server
}

// NewServer builds the management HTTP server. checker may be nil if the
// caller doesn't want /health wired in (e.g. a test harness).
func NewServer(cfg config.APIConfig, handlers *Handlers, checker *health.HealthChecker, hub *Hub, log zerolog.Logger) *Server {
	mw := NewMiddleware(cfg, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/api/config", mw.Secure(handlers.handleConfig))
	mux.HandleFunc("/api/reload", mw.Secure(handlers.handleReload))
	mux.HandleFunc("/api/admin/locks", mw.ReadOnly(handlers.handleLocks))
	mux.HandleFunc("/api/logs/stream", mw.handleLogStream(hub))

	if checker != nil {
		mux.HandleFunc("/health", checker.HealthHandler)
		mux.HandleFunc("/health/live", checker.LivenessHandler)
		mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		cfg: cfg,
		log: log.With().Str("component", "api-server").Logger(),
		hub: hub,
		http: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start begins serving in a background goroutine. Listen errors other
// than a clean Shutdown are logged, not fatal, since the VXI-11 façade
// is the gateway's primary surface and should keep running without the
// management API.
func (s *Server) Start() {
	s.log.Info().Str("addr", s.http.Addr).Msg("management api listening")
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("management api server error")
		}
	}()
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
