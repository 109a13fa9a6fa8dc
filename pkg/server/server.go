package server

import (
	"context"
	"net/http"
	"time"

	"github.com/TheJokr/chatload/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server handles health checks and metrics
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	checks     map[string]ReadinessCheck
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// New creates a new observability server. Every check must pass for /ready
// to answer 200.
func New(addr string, l *logger.Logger, checks map[string]ReadinessCheck) *Server {
	s := &Server{
		logger: l,
		checks: checks,
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Routes returns the handler serving /health, /ready and /metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ready"}
	status := http.StatusOK
	for name, check := range s.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}
		if err := check(ctx); err != nil {
			s.logger.WarnErr("readiness check failed", err, zap.String("check", name))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Start runs the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting observability server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
