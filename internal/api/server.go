package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatreel/internal/auth"
	"chatreel/internal/config"
	"chatreel/internal/models"
	"chatreel/internal/store"
	"chatreel/internal/telemetry"
)

// JobStore is the persistence surface the endpoints need.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.RenderJob, error)
	GetJob(ctx context.Context, id string) (models.RenderJob, error)
}

// Enqueuer hands a job-id pointer to the dispatcher. nil means no dispatcher
// is configured and jobs wait for the polling worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// URLSigner mints fresh signed read URLs from durable blob keys.
type URLSigner interface {
	SignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Limiter throttles submissions per caller. nil disables throttling.
type Limiter interface {
	Allow(ctx context.Context, caller string) (bool, float64, error)
}

// Server wires the producer HTTP handlers: submission, status and the
// bounded-wait download redirect. Handlers share no in-memory state between
// requests beyond the injected clients.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   Enqueuer
	signer  URLSigner
	limiter Limiter
}

// New constructs the API server. queue and limiter may be nil.
func New(cfg config.Config, st JobStore, q Enqueuer, signer URLSigner, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		signer:  signer,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(s.cfg.AuthSecret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/renders", s.handleSubmit)
	r.Get("/v1/renders/{id}", s.handleStatus)
	r.Get("/v1/renders/{id}/download", s.handleDownload)
	return r
}

type submitRequest struct {
	CompositionID string         `json:"compositionId"`
	InputProps    map[string]any `json:"inputProps"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type statusResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleSubmit validates the request, creates the pending row, and attempts
// a best-effort enqueue. It always answers with the job id without waiting
// for the render.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.InputProps == nil {
		writeError(w, http.StatusBadRequest, "inputProps required")
		return
	}

	caller := auth.UserID(ctx)
	if s.limiter != nil {
		key := caller
		if key == "" {
			key = "ip:" + remoteIP(r)
		}
		allowed, _, err := s.limiter.Allow(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many render requests, slow down")
			return
		}
	}

	compositionID := req.CompositionID
	if compositionID == "" {
		compositionID = s.cfg.DefaultComposition
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		ID:            uuid.NewString(),
		UserID:        caller,
		CompositionID: compositionID,
		InputProps:    req.InputProps,
	})
	if err != nil {
		log.Error().Err(err).Msg("create render job")
		writeError(w, http.StatusInternalServerError, "failed to create render job")
		return
	}
	telemetry.JobsSubmitted.Inc()

	if s.queue != nil {
		// Best effort with a short budget: the row already exists, and the
		// polling fallback will pick it up if this pointer never lands.
		enqCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
		err := s.queue.Enqueue(enqCtx, job.ID)
		cancel()
		if err != nil {
			telemetry.EnqueueFailures.Inc()
			log.Warn().Err(err).Str("job_id", job.ID).Msg("enqueue failed, job will be picked up by polling")
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID})
}

// handleStatus is a single read of the job row, never blocking.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}

	resp := statusResponse{Status: job.Status}
	switch job.Status {
	case models.StatusDone:
		resp.URL = s.resultURL(r.Context(), job)
	case models.StatusError:
		if job.ErrorMessage != nil {
			resp.Error = *job.ErrorMessage
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload polls the job row on a fixed interval up to a hard
// wall-clock cap, then either redirects to a fresh signed URL, surfaces the
// job error, or tells the caller to come back. The cap holds regardless of
// the requested maxWait, and a caller giving up never cancels the render.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	wait := s.cfg.DownloadWaitCap
	if raw := r.URL.Query().Get("maxWait"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > s.cfg.DownloadWaitCap {
		wait = s.cfg.DownloadWaitCap
	}
	if wait < s.cfg.DownloadPollInterval {
		wait = s.cfg.DownloadPollInterval
	}
	deadline := time.Now().Add(wait)

	var job models.RenderJob
	for {
		var ok bool
		job, ok = s.fetchJob(w, r)
		if !ok {
			return
		}

		switch job.Status {
		case models.StatusDone:
			url := s.resultURL(ctx, job)
			if url == "" {
				writeError(w, http.StatusInternalServerError, "render finished but artifact is unavailable")
				return
			}
			// The redirect target is short-lived; caching it would hand out
			// expired signatures.
			w.Header().Set("Cache-Control", "no-store, max-age=0")
			http.Redirect(w, r, url, http.StatusFound)
			return
		case models.StatusError:
			msg := "render failed"
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			writeError(w, http.StatusInternalServerError, msg)
			return
		}

		if time.Now().Add(s.cfg.DownloadPollInterval).After(deadline) {
			break
		}
		t := time.NewTimer(s.cfg.DownloadPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	telemetry.DownloadTimeouts.Inc()
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    job.Status,
		"statusUrl": "/v1/renders/" + id,
	})
}

// fetchJob loads the job from the path id, writing the error response itself
// when the load fails.
func (s *Server) fetchJob(w http.ResponseWriter, r *http.Request) (models.RenderJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "render job not found")
		return models.RenderJob{}, false
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", id).Msg("fetch render job")
		writeError(w, http.StatusInternalServerError, "failed to load render job")
		return models.RenderJob{}, false
	}
	return job, true
}

// resultURL prefers re-signing the durable blob key over the stored URL,
// which may carry an expired signature.
func (s *Server) resultURL(ctx context.Context, job models.RenderJob) string {
	if job.BlobKey != nil && s.signer != nil {
		url, err := s.signer.SignGet(ctx, *job.BlobKey, s.cfg.SignTTL)
		if err == nil {
			return url
		}
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("re-sign blob key, falling back to stored url")
	}
	if job.ResultURL != nil {
		return *job.ResultURL
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
