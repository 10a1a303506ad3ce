// Package httpfeed receives push notifications from the chain-event
// notifier and feeds them into the processing pipeline.
package httpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/eventproc"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/rollback"
)

// maxPayloadBytes bounds one notification body.
const maxPayloadBytes = 4 << 20

// ingestResponse is returned for every accepted notification.
type ingestResponse struct {
	Status     string `json:"status"`
	Key        string `json:"key,omitempty"`
	Events     int    `json:"events"`
	Skipped    int    `json:"skipped"`
	Dispatched int    `json:"dispatched"`
}

// Server is the inbound notification endpoint.
type Server struct {
	processor eventproc.Service
	server    *http.Server
}

// NewServer creates the feed server listening on addr.
func NewServer(addr string, processor eventproc.Service) *Server {
	mux := http.NewServeMux()
	s := &Server{
		processor: processor,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("POST /ingest", s.handleIngest)

	return s
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	logger.Info(context.Background(), "feed server listening", "feed.addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleIngest decodes one envelope and runs it through the pipeline. A
// malformed notification affects only itself: the notifier gets a 4xx and
// the next notification is processed normally.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	env, err := chainfeed.Decode(payload)
	if err != nil {
		logger.Warn(r.Context(), "rejecting malformed notification", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.processor.Process(r.Context(), env)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chainfeed.ErrMalformedEnvelope) || errors.Is(err, rollback.ErrMalformedReorg) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ingestResponse{
		Status:     string(result.Status),
		Key:        result.Key,
		Events:     len(result.Events),
		Skipped:    len(result.Skipped),
		Dispatched: result.DispatchedConsumers,
	})
}
