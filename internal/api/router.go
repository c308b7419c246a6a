// Package api exposes the fetch pipeline over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/openmusicplayer/mediafetch/internal/auth"
	"github.com/openmusicplayer/mediafetch/internal/db"
	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/health"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/metrics"
	"github.com/openmusicplayer/mediafetch/internal/middleware"
	"github.com/openmusicplayer/mediafetch/internal/stream"
	"github.com/openmusicplayer/mediafetch/internal/validators"
)

// Pipeline is the subset of the orchestrator the API drives.
type Pipeline interface {
	Submit(ctx context.Context, req download.Request) (string, error)
	Batches() []download.BatchInfo
	Status(batchID string) (download.ProgressSnapshot, error)
	Pause(ctx context.Context, batchID string) error
	Resume(ctx context.Context, batchID string) error
	Cancel(ctx context.Context, batchID string) error
	Remove(ctx context.Context, batchID string) error
	Job(jobID string) (download.JobSnapshot, error)
	CancelJob(ctx context.Context, jobID string) error
}

// History serves finished-job records.
type History interface {
	ListByBatch(ctx context.Context, batchID string) ([]db.HistoryEntry, error)
	Recent(ctx context.Context, limit int) ([]db.HistoryEntry, error)
	Stats(ctx context.Context) (*db.HistoryStats, error)
}

type RouterConfig struct {
	Pipeline    Pipeline
	History     History             // optional
	Mirror      stream.ObjectSource // optional fallback for job files
	Auth        *auth.Service       // nil disables authentication
	WebSocket   http.Handler        // optional
	Health      *health.Handler
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	CORSOrigins []string
}

type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	ws      http.Handler
	auth    *auth.Service

	batches *BatchHandlers
	history *HistoryHandlers
	files   *stream.Handler
	links   *validators.Handlers
	health  *health.Handler
	metrics *metrics.Metrics
}

func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	links := validators.DefaultRegistry()
	r := &Router{
		mux:     http.NewServeMux(),
		auth:    cfg.Auth,
		batches: NewBatchHandlers(cfg.Pipeline, links),
		links:   validators.NewHandlers(links),
		files:   stream.NewHandler(cfg.Pipeline, cfg.Mirror, log),
		health:  cfg.Health,
		metrics: m,
	}
	if cfg.History != nil {
		r.history = NewHistoryHandlers(cfg.History)
	}
	r.setupRoutes()

	r.handler = middleware.Chain(r.mux,
		apperrors.RequestIDMiddleware,
		logger.Recovery(log),
		logger.Middleware(log),
		metrics.Middleware(m),
		middleware.CORS(cfg.CORSOrigins),
		middleware.Timing(log),
		middleware.Gzip,
	)
	// The websocket upgrade needs the raw connection, so it skips the
	// response-wrapping middlewares.
	if cfg.WebSocket != nil {
		r.ws = apperrors.RequestIDMiddleware(r.withAuth(auth.ScopeRead, cfg.WebSocket.ServeHTTP))
	}
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/ws" && r.ws != nil {
		r.ws.ServeHTTP(w, req)
		return
	}
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Health and metrics (no auth required)
	if r.health != nil {
		r.mux.HandleFunc("GET /health", r.health.HealthHandler)
		r.mux.HandleFunc("GET /health/live", r.health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.health.ReadinessHandler)
	} else {
		r.mux.HandleFunc("GET /health", healthHandler)
	}
	r.mux.HandleFunc("GET /metrics", r.metrics.Handler())

	// Batches
	r.mux.HandleFunc("POST /api/v1/validate", r.withAuth(auth.ScopeRead, r.links.Validate))
	r.mux.HandleFunc("GET /api/v1/validate", r.withAuth(auth.ScopeRead, r.links.ValidateQuery))
	r.mux.HandleFunc("GET /api/v1/validate/formats", r.withAuth(auth.ScopeRead, r.links.Formats))

	r.mux.HandleFunc("POST /api/v1/batches", r.withAuth(auth.ScopeWrite, r.batches.CreateBatch))
	r.mux.HandleFunc("GET /api/v1/batches", r.withAuth(auth.ScopeRead, r.batches.ListBatches))
	r.mux.Handle("GET /api/v1/batches/{batch_id}", middleware.ETag(r.withAuth(auth.ScopeRead, r.batches.GetBatch)))
	r.mux.HandleFunc("DELETE /api/v1/batches/{batch_id}", r.withAuth(auth.ScopeWrite, r.batches.RemoveBatch))
	r.mux.HandleFunc("POST /api/v1/batches/{batch_id}/pause", r.withAuth(auth.ScopeWrite, r.batches.PauseBatch))
	r.mux.HandleFunc("POST /api/v1/batches/{batch_id}/resume", r.withAuth(auth.ScopeWrite, r.batches.ResumeBatch))
	r.mux.HandleFunc("POST /api/v1/batches/{batch_id}/cancel", r.withAuth(auth.ScopeWrite, r.batches.CancelBatch))

	// Jobs
	r.mux.Handle("GET /api/v1/jobs/{job_id}", middleware.ETag(r.withAuth(auth.ScopeRead, r.batches.GetJob)))
	r.mux.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", r.withAuth(auth.ScopeWrite, r.batches.CancelJob))
	r.mux.HandleFunc("GET /api/v1/jobs/{job_id}/file", r.withAuth(auth.ScopeRead, r.files.ServeFile))

	// History (only when a database is configured)
	if r.history != nil {
		r.mux.HandleFunc("GET /api/v1/history", r.withAuth(auth.ScopeRead, r.history.Recent))
		r.mux.HandleFunc("GET /api/v1/history/stats", r.withAuth(auth.ScopeRead, r.history.Stats))
		r.mux.HandleFunc("GET /api/v1/batches/{batch_id}/history", r.withAuth(auth.ScopeRead, r.history.ByBatch))
	}
}

func (r *Router) withAuth(scope string, next http.HandlerFunc) http.HandlerFunc {
	return auth.Middleware(r.auth, scope)(next).ServeHTTP
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, map[string]string{
		"status": "ok",
	})
}
