// Package api serves a read-only JSON view of the dispatcher state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xinlaoda/lpjs/internal/job"
	"github.com/xinlaoda/lpjs/internal/node"
)

// StatusSource provides consistent snapshots of dispatcher state.
type StatusSource interface {
	Nodes(ctx context.Context) ([]node.Node, error)
	Jobs(ctx context.Context) ([]job.Job, error)
	Job(ctx context.Context, id uint64) (job.Job, bool, error)
}

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	source StatusSource
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(source StatusSource, logger *slog.Logger) *Handler {
	return &Handler{
		source: source,
		logger: logger.With("component", "api"),
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", h.ListNodes)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
	})
	return r
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}
