package health

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Checker performs health checks on the configured components. Optional
// backends that are not configured are left out of the report.
type Checker struct {
	db            *sql.DB
	redis         *redis.Client
	storageCheck  CheckFunc
	pipelineCheck CheckFunc
	downloadDir   string
	version       string
	checkTimeout  time.Duration
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	DB            *sql.DB
	Redis         *redis.Client
	StorageCheck  CheckFunc
	PipelineCheck CheckFunc
	DownloadDir   string
	Version       string
	Timeout       time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		db:            cfg.DB,
		redis:         cfg.Redis,
		storageCheck:  cfg.StorageCheck,
		pipelineCheck: cfg.PipelineCheck,
		downloadDir:   cfg.DownloadDir,
		version:       cfg.Version,
		checkTimeout:  timeout,
	}
}

func (c *Checker) probe(ctx context.Context, failure string, fn CheckFunc) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  failure,
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// CheckDB checks database connectivity
func (c *Checker) CheckDB(ctx context.Context) ComponentHealth {
	result := c.probe(ctx, "database ping failed", c.db.PingContext)
	if result.Status != StatusHealthy {
		return result
	}

	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		result.Status = StatusDegraded
		result.Message = "database query failed"
	}
	return result
}

// CheckRedis checks Redis connectivity
func (c *Checker) CheckRedis(ctx context.Context) ComponentHealth {
	return c.probe(ctx, "redis ping failed", func(ctx context.Context) error {
		return c.redis.Ping(ctx).Err()
	})
}

// CheckStorage checks S3/MinIO connectivity
func (c *Checker) CheckStorage(ctx context.Context) ComponentHealth {
	return c.probe(ctx, "storage check failed", c.storageCheck)
}

// CheckPipeline checks that the download workers are running
func (c *Checker) CheckPipeline(ctx context.Context) ComponentHealth {
	return c.probe(ctx, "download pipeline not running", c.pipelineCheck)
}

// CheckDownloadDir checks that the download directory accepts writes
func (c *Checker) CheckDownloadDir(ctx context.Context) ComponentHealth {
	return c.probe(ctx, "download directory not writable", func(context.Context) error {
		if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(c.downloadDir, ".health-*")
		if err != nil {
			return err
		}
		f.Close()
		return os.Remove(f.Name())
	})
}

func (c *Checker) checks() map[string]func(context.Context) ComponentHealth {
	checks := make(map[string]func(context.Context) ComponentHealth)
	if c.db != nil {
		checks["database"] = c.CheckDB
	}
	if c.redis != nil {
		checks["redis"] = c.CheckRedis
	}
	if c.storageCheck != nil {
		checks["storage"] = c.CheckStorage
	}
	if c.pipelineCheck != nil {
		checks["pipeline"] = c.CheckPipeline
	}
	if c.downloadDir != "" {
		checks["download_dir"] = c.CheckDownloadDir
	}
	return checks
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, check := range c.checks() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := check(ctx)
			mu.Lock()
			response.Components[name] = result
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.Check(r.Context())

	status := http.StatusOK
	if response.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, response)
}

// ReadinessHandler handles readiness probe requests. Degraded still
// accepts traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())

	status := http.StatusOK
	if response.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, response)
}

// HealthHandler serves /health, running the readiness checks with ?deep=true
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}
