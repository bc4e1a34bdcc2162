// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/crawl"
)

const defaultRequestTimeout = 30 * time.Second

// RendererFactory builds a fresh renderer for each submitted job. A
// job's renderer is torn down when the job finishes, so renderers
// cannot be shared across jobs.
type RendererFactory func() (crawl.Renderer, error)

// Params collects everything the server needs. Deps is the collaborator
// template for new jobs; its Renderer field is replaced per job when
// NewRenderer is set.
type Params struct {
	Registry    *crawl.Registry
	Store       crawl.Store
	Deps        crawl.Deps
	NewRenderer RendererFactory
	// Defaults supplies job options for fields the request leaves unset.
	Defaults crawl.Options
	// Metrics serves GET /metrics; nil disables the route.
	Metrics http.Handler
	// Middleware is appended after the built-in chain, e.g. for
	// request metrics.
	Middleware     []func(http.Handler) http.Handler
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the job registry and store.
type Server struct {
	router      chi.Router
	registry    *crawl.Registry
	store       crawl.Store
	deps        crawl.Deps
	newRenderer RendererFactory
	defaults    crawl.Options
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(p Params) *Server {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := p.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		registry:    p.Registry,
		store:       p.Store,
		deps:        p.Deps,
		newRenderer: p.NewRenderer,
		defaults:    p.Defaults,
		logger:      logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(timeout))
	for _, mw := range p.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/progress", s.getProgress)
				r.Get("/pages", s.getPages)
				r.Post("/cancel", s.cancelJob)
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a failed lookup of a
	// nonexistent job still proves it is reachable.
	if _, err := s.store.GetJob(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Targets             []string `json:"targets"`
	Workers             *int     `json:"workers"`
	PageLimit           *int     `json:"page_limit"`
	Strict              *bool    `json:"strict"`
	SkipCache           *bool    `json:"skip_cache"`
	IsolatedContext     *bool    `json:"isolated_context"`
	FollowExternal      *bool    `json:"follow_external"`
	MaxExternalHops     *int     `json:"max_external_hops"`
	DropQuery           *bool    `json:"drop_query"`
	WaitSelectors       []string `json:"wait_selectors"`
	FetchTimeoutSeconds *int     `json:"fetch_timeout_seconds"`
	RequestDelayMs      *int     `json:"request_delay_ms"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		s.writeError(w, http.StatusBadRequest, "targets required")
		return
	}
	opts := s.toOptions(req)

	deps := s.deps
	if s.newRenderer != nil {
		renderer, err := s.newRenderer()
		if err != nil {
			s.logger.Error("renderer startup failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "renderer startup failed")
			return
		}
		deps.Renderer = renderer
	}

	job, err := s.registry.Start(r.Context(), req.Targets, opts, deps)
	if err != nil {
		if s.newRenderer != nil {
			if terr := deps.Renderer.Teardown(r.Context()); terr != nil {
				s.logger.Warn("renderer teardown after failed start", zap.Error(terr))
			}
		}
		switch {
		case errors.Is(err, crawl.ErrJobActive):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, crawl.ErrNoTargets):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("job start failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "job start failed")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID(),
		"status": string(job.Status()),
	})
}

func (s *Server) toOptions(req jobRequest) crawl.Options {
	opts := s.defaults
	opts.Workers = valueOrDefault(req.Workers, opts.Workers)
	opts.PageLimit = valueOrDefault(req.PageLimit, opts.PageLimit)
	opts.Strict = valueOrDefault(req.Strict, opts.Strict)
	opts.SkipCache = valueOrDefault(req.SkipCache, opts.SkipCache)
	opts.IsolatedContext = valueOrDefault(req.IsolatedContext, opts.IsolatedContext)
	opts.FollowExternal = valueOrDefault(req.FollowExternal, opts.FollowExternal)
	opts.MaxExternalHops = valueOrDefault(req.MaxExternalHops, opts.MaxExternalHops)
	opts.DropQuery = valueOrDefault(req.DropQuery, opts.DropQuery)
	if req.WaitSelectors != nil {
		opts.WaitSelectors = req.WaitSelectors
	}
	if req.FetchTimeoutSeconds != nil {
		opts.FetchTimeout = time.Duration(*req.FetchTimeoutSeconds) * time.Second
	}
	if req.RequestDelayMs != nil {
		opts.RequestDelay = time.Duration(*req.RequestDelayMs) * time.Millisecond
	}
	return opts
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	record, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if job, ok := s.registry.Get(jobID); ok {
		s.writeJSON(w, http.StatusOK, job.Progress())
		return
	}
	// Evicted or pre-restart jobs only have the persisted record; the
	// live frontier snapshot is gone.
	record, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, crawl.Progress{Status: record.Status})
}

func (s *Server) getPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	pages, err := s.store.ListPages(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list pages failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"count":  len(pages),
		"pages":  pages,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.registry.Get(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(job.Status()),
	})
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
