// Package api exposes the orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/orchestrator"
	"media-job-orchestrator/internal/ratelimit"
	"media-job-orchestrator/internal/telemetry"
)

// Server wires HTTP handlers for the job API.
type Server struct {
	svc     *orchestrator.Service
	limiter ratelimit.Limiter
	files   http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithLimiter throttles upload-intent and submit requests.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithFileHandler mounts the local gateway's signed file endpoint at /files.
func WithFileHandler(h http.Handler) Option {
	return func(s *Server) { s.files = h }
}

// New constructs the API server.
func New(svc *orchestrator.Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/templates", s.handleTemplates)
	r.Get("/settings", s.handleSettings)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter))
		}
		r.Post("/uploads", s.handleRequestUpload)
		r.Post("/jobs", s.handleSubmit)
	})
	r.Post("/uploads/{id}/confirm", s.handleConfirmUpload)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/result", s.handleResult)
	r.Delete("/jobs/{id}", s.handleCleanup)

	if s.files != nil {
		r.Mount("/files", s.files)
	}
	return r
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.svc.Templates()})
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Settings())
}

type uploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Filename == "" {
		req.Filename = r.URL.Query().Get("filename")
	}
	if req.ContentType == "" {
		req.ContentType = r.URL.Query().Get("content_type")
	}
	ticket, err := s.svc.RequestUpload(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	meta, err := s.svc.ConfirmUpload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type submitResponse struct {
	JobID   string        `json:"job_id"`
	Status  models.Status `json:"status"`
	Message string        `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status, Message: job.Message})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	link, err := s.svc.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, link.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.svc.Cleanup(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

// writeServiceError maps orchestrator errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, orchestrator.ErrUnknownKind),
		errors.Is(err, orchestrator.ErrUnknownTemplate),
		errors.Is(err, orchestrator.ErrUnsupportedFileType):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, orchestrator.ErrInputNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobNotReady),
		errors.Is(err, orchestrator.ErrInputNotReady):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrArtifactMissing):
		code = http.StatusGone
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
