// Package api provides the local status/debug HTTP API: health, version,
// active session state, and playback diagnostics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmallach/dovetail/internal/config"
	"github.com/jmallach/dovetail/internal/playback"
	"github.com/jmallach/dovetail/internal/proxy"
	"github.com/jmallach/dovetail/internal/version"
)

// Server is the debug API server. It binds loopback by default and exposes
// read-only state; nothing here mutates playback.
type Server struct {
	cfg    config.Debug
	logger *slog.Logger
	router *chi.Mux

	session *playback.Session
	proxy   *proxy.Server

	httpServer *http.Server
}

// New creates the API server. Session and proxy may be nil when the
// corresponding component is not running.
func New(cfg config.Debug, session *playback.Session, prx *proxy.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		session: session,
		proxy:   prx,
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/session", s.handleSession)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/proxy", s.handleProxy)
	})
	s.router = router

	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the server until Shutdown. It blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("debug API listening", slog.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug API server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

type sessionResponse struct {
	State    string  `json:"state"`
	Error    string  `json:"error,omitempty"`
	Position float64 `json:"position"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}

	change := s.session.Events().State()
	resp := sessionResponse{
		State:    change.State.String(),
		Position: s.session.CurrentTime(),
	}
	if change.Err != nil {
		resp.Error = change.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}

	report, ok := s.session.Monitor().LastReport()
	if !ok {
		// Nothing emitted yet; fall back to the live accumulators.
		report = s.session.Monitor().Report()
	}
	writeJSON(w, http.StatusOK, report)
}

type proxyResponse struct {
	Address           string `json:"address"`
	ActiveConnections int    `json:"active_connections"`
}

func (s *Server) handleProxy(w http.ResponseWriter, _ *http.Request) {
	if s.proxy == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "proxy not running"})
		return
	}
	writeJSON(w, http.StatusOK, proxyResponse{
		Address:           s.proxy.Addr(),
		ActiveConnections: s.proxy.ActiveConnections(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
