// Package api serves the operator HTTP surface: health, metrics, job
// controls and directory search.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/directory"
	"github.com/Harvey-AU/podcore/internal/queue"
)

const serviceName = "podcore"

// JobStore is the part of queue.Store the API drives.
type JobStore interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
	Get(ctx context.Context, id int64) (*queue.Job, *queue.JobException, error)
	ListFailing(ctx context.Context, minErrors, limit int) ([]queue.FailingJob, error)
	Disable(ctx context.Context, id int64) error
	Enable(ctx context.Context, id int64) error
}

// JobValidator checks a job name and its args before they are enqueued.
type JobValidator interface {
	Validate(name string, args json.RawMessage) error
}

type DirectorySearcher interface {
	Search(ctx context.Context, query string) (*directory.SearchOutcome, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config holds the ops server settings.
type Config struct {
	JWTSecret string
	RateLimit float64
	Version   string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Handler holds the dependencies of every route.
type Handler struct {
	jobs     JobStore
	registry JobValidator
	searcher DirectorySearcher
	pinger   Pinger
	config   Config
}

func NewHandler(store JobStore, registry JobValidator, searcher DirectorySearcher, pinger Pinger, config Config) *Handler {
	return &Handler{
		jobs:     store,
		registry: registry,
		searcher: searcher,
		pinger:   pinger,
		config:   config,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware, RecoverMiddleware, LoggingMiddleware)

	r.Get("/health", h.health)
	if h.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.config.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.config.RateLimit), RequireOps(h.config.JWTSecret))

		r.Post("/jobs", h.enqueueJob)
		r.Get("/jobs/failing", h.listFailing)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/disable", h.setLive(false))
		r.Post("/jobs/{id}/enable", h.setLive(true))
		r.Get("/directory/search", h.directorySearch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, r, "route not found")
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.PingContext(ctx); err != nil {
		WriteUnhealthy(w, r, serviceName, err)
		return
	}
	WriteHealthy(w, r, serviceName, h.config.Version)
}

type enqueueRequest struct {
	Name  string          `json:"name"`
	Args  json.RawMessage `json:"args"`
	RunAt *time.Time      `json:"run_at,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

func (h *Handler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Validation(w, r, "name is required")
		return
	}
	if len(req.Args) == 0 {
		req.Args = json.RawMessage(`{}`)
	}
	if err := h.registry.Validate(req.Name, req.Args); err != nil {
		Validation(w, r, err.Error())
		return
	}

	var opts []queue.EnqueueOption
	if req.RunAt != nil {
		opts = append(opts, queue.RunAt(req.RunAt.UTC()))
	}

	id, err := h.jobs.Enqueue(r.Context(), nil, req.Name, req.Args, opts...)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteCreated(w, r, enqueueResponse{ID: id}, "job enqueued")
}

type jobResponse struct {
	Job       *queue.Job          `json:"job"`
	Exception *queue.JobException `json:"exception,omitempty"`
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, exc, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteLookupError(w, r, err)
		return
	}
	WriteSuccess(w, r, jobResponse{Job: job, Exception: exc}, "")
}

func (h *Handler) listFailing(w http.ResponseWriter, r *http.Request) {
	minErrors, err := queryInt(r, "min_errors", 1)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	failing, err := h.jobs.ListFailing(r.Context(), minErrors, limit)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, failing, "")
}

func (h *Handler) setLive(live bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		change := h.jobs.Disable
		message := "job disabled"
		if live {
			change = h.jobs.Enable
			message = "job enabled"
		}
		if err := change(r.Context(), id); err != nil {
			WriteLookupError(w, r, err)
			return
		}
		WriteSuccess(w, r, map[string]any{"id": id, "live": live}, message)
	}
}

func (h *Handler) directorySearch(w http.ResponseWriter, r *http.Request) {
	out, err := h.searcher.Search(r.Context(), r.URL.Query().Get("q"))
	if errors.Is(err, directory.ErrEmptyQuery) {
		BadRequest(w, r, "q is required")
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, out, "")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, r, "invalid job id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
