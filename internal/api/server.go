package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"video-pipeline/internal/config"
	"video-pipeline/internal/models"
	"video-pipeline/internal/ratelimit"
	"video-pipeline/internal/store"
	"video-pipeline/internal/telemetry"
)

// Store is the persistence the producer API needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	BeginEnhance(ctx context.Context, id, filter string) (models.Post, models.Job, error)
}

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(ctx context.Context, submitter string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   Store
	limiter Limiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st Store, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/posts/{id}/enhance", s.handleEnhance)
	return r
}

type enqueueRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type enqueueResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !models.KnownType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown job type "+strconv.Quote(req.Type))
		return
	}
	payload, err := models.DecodeMediaPayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.UserID == "" {
		payload.UserID = r.Header.Get("X-User-ID")
	}
	if !s.allow(w, r, submitterFor(r, payload.UserID)) {
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{Type: req.Type, Payload: payload.Map()})
	if err != nil {
		s.logger.Error("create job failed", zap.String("job_type", req.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Type).Inc()
	s.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.String("post_id", payload.PostID))
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		s.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

type enhanceRequest struct {
	Filter string `json:"filter"`
}

type enhanceResponse struct {
	Post  models.Post `json:"post"`
	JobID string      `json:"job_id"`
}

// handleEnhance queues an upscale_video job for an existing post.
func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	post, err := s.store.GetPost(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
		return
	case err != nil:
		s.logger.Error("get post failed", zap.String("post_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load post")
		return
	}
	if post.MediaURL == "" {
		writeError(w, http.StatusBadRequest, "post has no video url")
		return
	}
	if !s.allow(w, r, submitterFor(r, post.UserID)) {
		return
	}

	post, job, err := s.store.BeginEnhance(r.Context(), id, req.Filter)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
		return
	case err != nil:
		s.logger.Error("queue enhancement failed", zap.String("post_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue enhancement")
		return
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Type).Inc()
	writeJSON(w, http.StatusAccepted, enhanceResponse{Post: post, JobID: job.ID})
}

// allow applies the per-user limiter and writes the rejection when the bucket is empty.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, submitter string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), submitter)
	if err != nil {
		s.logger.Error("rate limiter unavailable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.SubmitLimited.Inc()
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func submitterFor(r *http.Request, userID string) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	if userID != "" {
		return userID
	}
	return "anonymous"
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
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
