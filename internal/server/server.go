// Package server is the worker's HTTP control surface: liveness, wake and
// document enqueue.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docgather/internal/pipeline"
	"docgather/internal/queue"
)

// Enqueuer is the broker slice the enqueue endpoint needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, job *queue.Job) error
}

// Server serves the control endpoints and hands accepted documents to the
// orchestrator queue.
type Server struct {
	broker   Enqueuer
	version  string
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds the control surface.
func New(broker Enqueuer, version string, logger *zap.Logger) *Server {
	return &Server{
		broker:   broker,
		version:  version,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Handler returns the chi router for the control surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/wake", s.handleWake)
	r.Post("/queue", s.handleQueue)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", zap.Int("port", port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.version,
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWake(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "awake",
		"version": s.version,
	})
}

// queueRequest is the enqueue body from the ingress collaborator.
type queueRequest struct {
	DocumentID       string `json:"documentId" validate:"required"`
	OwnerID          string `json:"ownerId" validate:"required"`
	MimeType         string `json:"mimeType" validate:"required"`
	OriginalFileID   string `json:"originalFileId" validate:"required"`
	OriginalPath     string `json:"originalPath" validate:"required"`
	OriginalFilename string `json:"originalFilename" validate:"required"`
	Source           string `json:"source"`
	Priority         int    `json:"priority"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	input := pipeline.SubtaskInput{
		DocumentID:       req.DocumentID,
		OwnerID:          req.OwnerID,
		MimeType:         req.MimeType,
		OriginalFileID:   req.OriginalFileID,
		OriginalPath:     req.OriginalPath,
		OriginalFilename: req.OriginalFilename,
		Source:           req.Source,
		Priority:         req.Priority,
		Step:             pipeline.StepInitial,
	}
	raw, err := json.Marshal(input)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	job := &queue.Job{
		ID:       queue.ChildID(req.DocumentID, queue.Orchestrator),
		Name:     "process-document",
		Data:     raw,
		Priority: req.Priority,
	}
	if err := s.broker.Enqueue(r.Context(), queue.Orchestrator, job); err != nil {
		s.logger.Error("failed to enqueue document",
			zap.String("document", req.DocumentID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to enqueue"})
		return
	}
	s.logger.Info("document queued",
		zap.String("document", req.DocumentID),
		zap.String("mime", req.MimeType),
		zap.String("job", job.ID))

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"jobId":      job.ID,
		"documentId": req.DocumentID,
		"mimeType":   req.MimeType,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
