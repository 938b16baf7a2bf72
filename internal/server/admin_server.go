package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/health"
)

// ReadinessFunc reports whether the process should receive traffic and why not
type ReadinessFunc func() (ready bool, reason string)

// AdminServer serves /metrics, /health and /ready over HTTP
type AdminServer struct {
	httpServer *http.Server
	ready      ReadinessFunc
	health     *health.Checker
	logger     *zap.Logger
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port int
	// Health, when set, backs /health with component checks
	Health *health.Checker
	// RequestsPerSecond bounds admin traffic; zero disables the limit
	RequestsPerSecond float64
	Burst             int
}

// NewAdminServer creates an admin server exposing gatherer's metrics
func NewAdminServer(cfg *AdminServerConfig, gatherer prometheus.Gatherer, ready ReadinessFunc, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		ready:  ready,
		health: cfg.Health,
		logger: logger,
	}

	router := mux.NewRouter()
	router.Use(RequestID, Logging(logger), Recovery(logger))
	if cfg.RequestsPerSecond > 0 {
		router.Use(NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, logger).Limit)
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests
func (s *AdminServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the admin server in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}

	status, checks := s.health.Status()
	code := http.StatusOK
	if status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    string(status),
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if ready, reason := s.ready(); !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"reason": reason,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
