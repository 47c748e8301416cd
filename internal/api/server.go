// Package api exposes the HTTP interface of the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/deletion"
	"github.com/chatlas/ingest/internal/export"
	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/rescrape"
)

// Config controls server behavior.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline services.
type Server struct {
	router    chi.Router
	rescrapes *rescrape.Service
	deletions *deletion.Service
	exports   *export.Service
	chatbots  pipeline.ChatbotStore
	clock     pipeline.Clock
	ready     func(context.Context) error
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready is polled
// by the readiness probe; nil means always ready.
func NewServer(
	rescrapes *rescrape.Service,
	deletions *deletion.Service,
	exports *export.Service,
	chatbots pipeline.ChatbotStore,
	clock pipeline.Clock,
	ready func(context.Context) error,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		rescrapes: rescrapes,
		deletions: deletions,
		exports:   exports,
		chatbots:  chatbots,
		clock:     clock,
		ready:     ready,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/chatbots/{chatbot_id}", func(r chi.Router) {
			r.Post("/rescrape", s.triggerRescrape)
			r.Get("/scrape-history", s.listScrapeHistory)
			r.Get("/next-scrape", s.nextScheduledScrape)
		})
		r.Route("/deletions", func(r chi.Router) {
			r.Post("/", s.requestDeletion)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/", s.getDeletion)
				r.Post("/cancel", s.cancelDeletion)
			})
		})
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", s.requestExport)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/", s.getExport)
				r.Get("/download", s.downloadExport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type rescrapeRequest struct {
	RenderJavaScript bool `json:"render_javascript"`
}

func (s *Server) triggerRescrape(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbot_id")
	var req rescrapeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	entry, err := s.rescrapes.TriggerRescrape(r.Context(), chatbotID, pipeline.TriggerManual, req.RenderJavaScript)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scrape": entry})
}

func (s *Server) listScrapeHistory(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbot_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.rescrapes.History(r.Context(), chatbotID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) nextScheduledScrape(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbot_id")
	bot, err := s.chatbots.GetChatbot(r.Context(), chatbotID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	next := rescrape.NextScheduledScrape(bot, s.clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{"next_scheduled_scrape": next})
}

type deletionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) requestDeletion(w http.ResponseWriter, r *http.Request) {
	var req deletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	created, err := s.deletions.RequestDeletion(r.Context(), req.UserID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"deletion": created})
}

func (s *Server) getDeletion(w http.ResponseWriter, r *http.Request) {
	req, err := s.deletions.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletion": req})
}

func (s *Server) cancelDeletion(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := s.deletions.CancelDeletion(r.Context(), requestID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID, "status": string(pipeline.DeletionStatusCancelled)})
}

type exportRequest struct {
	UserID string `json:"user_id"`
	Format string `json:"format"`
}

func (s *Server) requestExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	created, err := s.exports.RequestExport(r.Context(), req.UserID, req.Format)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": created})
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	req, err := s.exports.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": req})
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	req, err := s.exports.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !req.Downloadable(s.clock.Now()) {
		writeError(w, http.StatusGone, "export is not available for download")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(req.FilePath)))
	http.ServeFile(w, r, req.FilePath)
}

// writeDomainError maps pipeline error types onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve *pipeline.ValidationError
		nf *pipeline.NotFoundError
		rl *pipeline.RateLimitedError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
