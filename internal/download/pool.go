package download

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/metrics"
)

// DefaultWorkerCount is the pool size when none is configured.
const DefaultWorkerCount = 3

// Runner performs a job's transfer. *Transfer implements it.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	// ItemDelayMin and ItemDelayMax bound a random pause a worker takes after
	// finishing a job before taking the next one. Zero disables it.
	ItemDelayMin time.Duration
	ItemDelayMax time.Duration

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// WorkerPool runs one goroutine per queue slot, each pulling jobs from the
// shared queue and handing them to the runner.
type WorkerPool struct {
	queue       *Queue
	runner      Runner
	workerCount int
	delayMin    time.Duration
	delayMax    time.Duration
	log         *logger.Logger
	metrics     *metrics.Metrics

	wg      sync.WaitGroup
	stop    context.CancelFunc
	accept  context.Context
	mu      sync.RWMutex
	running bool
	busy    atomic.Int32
}

// NewWorkerPool creates a pool sized to the queue's capacity.
func NewWorkerPool(queue *Queue, runner Runner, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}

	delayMax := config.ItemDelayMax
	if delayMax < config.ItemDelayMin {
		delayMax = config.ItemDelayMin
	}

	return &WorkerPool{
		queue:       queue,
		runner:      runner,
		workerCount: queue.Capacity(),
		delayMin:    config.ItemDelayMin,
		delayMax:    delayMax,
		log:         log.WithComponent("worker-pool"),
		metrics:     config.Metrics,
	}
}

// Start launches the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.accept, wp.stop = context.WithCancel(context.Background())

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(wp.accept, i)
	}

	wp.log.Info(context.Background(), "worker pool started", logger.Fields{"workers": wp.workerCount})
}

// Stop stops taking new jobs and waits for in-flight jobs to finish. If ctx
// expires first, in-flight jobs are interrupted and returned to the queue.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	wp.stop()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info(context.Background(), "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.log.Warn(context.Background(), "worker pool shutdown timed out, interrupting transfers")
		wp.queue.interruptActive()
		<-done
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// Busy returns the number of workers currently running a job.
func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return wp.workerCount
}

func (wp *WorkerPool) worker(accept context.Context, id int) {
	defer wp.wg.Done()

	for {
		job, err := wp.queue.next(accept, context.Background())
		if err != nil {
			return
		}

		wp.process(id, job)

		if !wp.pause(accept) {
			return
		}
	}
}

// process runs a single job and releases its slot.
func (wp *WorkerPool) process(workerID int, job *Job) {
	ctx := apperrors.WithJobID(apperrors.WithBatchID(context.Background(), job.BatchID()), job.ID())

	wp.setBusy(1)
	defer wp.setBusy(-1)

	wp.log.Debug(ctx, "job started", logger.Fields{"worker": workerID})
	start := time.Now()

	err := wp.run(job)
	snap := wp.queue.Release(job, err)

	fields := logger.Fields{
		"worker":   workerID,
		"status":   string(snap.Status),
		"bytes":    snap.BytesCompleted,
		"attempts": snap.Attempts,
		"duration": time.Since(start).String(),
	}
	switch snap.Status {
	case StatusDone:
		wp.log.Info(ctx, "job completed", fields)
	case StatusFailed:
		fields["reason"] = string(snap.Reason)
		if snap.Reason == ReasonCancelled {
			wp.log.Info(ctx, "job cancelled", fields)
		} else {
			wp.log.Error(ctx, "job failed", err, fields)
		}
	default:
		wp.log.Info(ctx, "job interrupted", fields)
	}
}

func (wp *WorkerPool) run(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.InternalError(fmt.Sprintf("transfer panicked: %v", r))
		}
	}()
	return wp.runner.Run(job.ctx, job)
}

func (wp *WorkerPool) setBusy(delta int32) {
	n := wp.busy.Add(delta)
	if wp.metrics != nil {
		wp.metrics.SetActiveWorkers(int(n))
		wp.metrics.SetQueueLength(wp.queue.Len())
	}
}

// pause waits the configured inter-item delay. It returns false if the pool
// is stopping.
func (wp *WorkerPool) pause(accept context.Context) bool {
	if wp.delayMax <= 0 {
		return accept.Err() == nil
	}
	d := wp.delayMin
	if spread := wp.delayMax - wp.delayMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-accept.Done():
		return false
	case <-timer.C:
		return true
	}
}
