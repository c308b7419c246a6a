package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:method:status_class -> count

	// Pipeline metrics
	queueLength      int64
	activeWorkers    int64
	wsConnections    int64
	bytesTransferred uint64
	retries          uint64
	jobsFinished     map[string]*uint64 // status/reason -> count
	rateLimitWait    *Histogram

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu         sync.Mutex
	count      uint64
	sum        float64
	buckets    []float64
	bucketVals []uint64
}

// DefaultBuckets covers request latencies from 5ms to 10s.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// WaitBuckets covers rate-limiter waits, which are mostly sub-second.
var WaitBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// NewHistogram creates a new histogram with default buckets
func NewHistogram() *Histogram {
	return NewHistogramWithBuckets(DefaultBuckets)
}

// NewHistogramWithBuckets creates a histogram with the given upper bounds.
func NewHistogramWithBuckets(buckets []float64) *Histogram {
	return &Histogram{
		buckets:    buckets,
		bucketVals: make([]uint64, len(buckets)),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, bucket := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{%s%sle=\"%g\"} %d\n", name, labels, sep, bucket, h.bucketVals[i])
	}
	fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	if labels != "" {
		fmt.Fprintf(sb, "%s_sum{%s} %f\n", name, labels, h.sum)
		fmt.Fprintf(sb, "%s_count{%s} %d\n", name, labels, h.count)
	} else {
		fmt.Fprintf(sb, "%s_sum %f\n", name, h.sum)
		fmt.Fprintf(sb, "%s_count %d\n", name, h.count)
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		jobsFinished:    make(map[string]*uint64),
		rateLimitWait:   NewHistogramWithBuckets(WaitBuckets),
		startTime:       time.Now(),
	}
}

var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c := set[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = set[key]; c == nil {
		c = new(uint64)
		set[key] = c
	}
	return c
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	atomic.AddUint64(m.counter(m.requestCount, key), 1)

	m.mu.Lock()
	h := m.requestDuration[key]
	if h == nil {
		h = NewHistogram()
		m.requestDuration[key] = h
	}
	m.mu.Unlock()
	h.Observe(duration.Seconds())

	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		atomic.AddUint64(m.counter(m.requestErrors, errorKey), 1)
	}
}

// normalizeEndpoint replaces UUIDs and numeric path segments with {id}.
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetQueueLength sets the number of jobs waiting in the work queue.
func (m *Metrics) SetQueueLength(length int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
}

// SetActiveWorkers sets the number of workers currently transferring.
func (m *Metrics) SetActiveWorkers(n int) {
	atomic.StoreInt64(&m.activeWorkers, int64(n))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	atomic.AddInt64(&m.wsConnections, 1)
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	atomic.AddInt64(&m.wsConnections, -1)
}

// AddBytes counts bytes written to destination files.
func (m *Metrics) AddBytes(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesTransferred, uint64(n))
	}
}

// IncRetries counts one transfer retry.
func (m *Metrics) IncRetries() {
	atomic.AddUint64(&m.retries, 1)
}

// JobFinished counts a job reaching a terminal status. reason is empty for done.
func (m *Metrics) JobFinished(status, reason string) {
	key := status
	if reason != "" {
		key = status + ":" + reason
	}
	atomic.AddUint64(m.counter(m.jobsFinished, key), 1)
}

// ObserveRateLimitWait records how long a caller waited for a permit.
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	m.rateLimitWait.Observe(d.Seconds())
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHeader(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		writeHeader(&sb, "mediafetch_uptime_seconds", "gauge", "Time since the process started")
		fmt.Fprintf(&sb, "mediafetch_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

		writeHeader(&sb, "mediafetch_queue_length", "gauge", "Jobs waiting in the work queue")
		fmt.Fprintf(&sb, "mediafetch_queue_length %d\n\n", atomic.LoadInt64(&m.queueLength))

		writeHeader(&sb, "mediafetch_workers_active", "gauge", "Workers currently transferring a job")
		fmt.Fprintf(&sb, "mediafetch_workers_active %d\n\n", atomic.LoadInt64(&m.activeWorkers))

		writeHeader(&sb, "mediafetch_websocket_connections_active", "gauge", "Active WebSocket connections")
		fmt.Fprintf(&sb, "mediafetch_websocket_connections_active %d\n\n", atomic.LoadInt64(&m.wsConnections))

		writeHeader(&sb, "mediafetch_bytes_transferred_total", "counter", "Bytes written to destination files")
		fmt.Fprintf(&sb, "mediafetch_bytes_transferred_total %d\n\n", atomic.LoadUint64(&m.bytesTransferred))

		writeHeader(&sb, "mediafetch_transfer_retries_total", "counter", "Transfer attempts retried after a retryable failure")
		fmt.Fprintf(&sb, "mediafetch_transfer_retries_total %d\n\n", atomic.LoadUint64(&m.retries))

		writeHeader(&sb, "mediafetch_rate_limit_wait_seconds", "histogram", "Time spent waiting for a rate-limit permit")
		m.rateLimitWait.write(&sb, "mediafetch_rate_limit_wait_seconds", "")
		sb.WriteString("\n")

		m.mu.RLock()
		defer m.mu.RUnlock()

		if len(m.jobsFinished) > 0 {
			writeHeader(&sb, "mediafetch_jobs_finished_total", "counter", "Jobs that reached a terminal status")
			for _, key := range sortedKeys(m.jobsFinished) {
				status, reason, _ := strings.Cut(key, ":")
				fmt.Fprintf(&sb, "mediafetch_jobs_finished_total{status=\"%s\",reason=\"%s\"} %d\n", status, reason, atomic.LoadUint64(m.jobsFinished[key]))
			}
			sb.WriteString("\n")
		}

		if len(m.requestCount) > 0 {
			writeHeader(&sb, "mediafetch_http_requests_total", "counter", "Total HTTP requests")
			for _, key := range sortedKeys(m.requestCount) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					fmt.Fprintf(&sb, "mediafetch_http_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], atomic.LoadUint64(m.requestCount[key]))
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestDuration) > 0 {
			writeHeader(&sb, "mediafetch_http_request_duration_seconds", "histogram", "HTTP request latency")
			for _, key := range sortedKeys(m.requestDuration) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					labels := fmt.Sprintf("endpoint=\"%s\",method=\"%s\"", parts[0], parts[1])
					m.requestDuration[key].write(&sb, "mediafetch_http_request_duration_seconds", labels)
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestErrors) > 0 {
			writeHeader(&sb, "mediafetch_http_errors_total", "counter", "Total HTTP errors by status class")
			for _, key := range sortedKeys(m.requestErrors) {
				// endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					fmt.Fprintf(&sb, "mediafetch_http_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", parts[0], parts[1], parts[2][:1], atomic.LoadUint64(m.requestErrors[key]))
				}
			}
		}

		w.Write([]byte(sb.String()))
	}
}

// Middleware records request counts and latencies.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
