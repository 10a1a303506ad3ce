// Package ops exposes the operational HTTP surface: liveness, readiness,
// pipeline statistics and prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gabapcia/badgewatch/internal/eventproc"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/registry"
	"github.com/gabapcia/badgewatch/internal/rollback"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether the service is ready to accept notifications.
type ReadyFunc func(ctx context.Context) bool

// Server is the operational HTTP endpoint.
type Server struct {
	processor   eventproc.Service
	registry    registry.Service
	coordinator *rollback.Coordinator
	ready       ReadyFunc
	server      *http.Server
}

// NewServer creates the ops server. A nil ready function means always ready.
func NewServer(addr string, processor eventproc.Service, reg registry.Service, coordinator *rollback.Coordinator, ready ReadyFunc) *Server {
	mux := http.NewServeMux()
	s := &Server{
		processor:   processor,
		registry:    reg,
		coordinator: coordinator,
		ready:       ready,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	logger.Info(context.Background(), "ops server listening", "ops.addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline": s.processor.PipelineStats(),
		"registry": s.registry.Stats(),
		"reorgs":   s.coordinator.ReorgStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
