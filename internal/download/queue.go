package download

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrQueueClosed  = errors.New("queue is closed")
	ErrDuplicateJob = errors.New("job already queued")

	// errShutdown is the cancellation cause for jobs interrupted by the pool
	// stopping. Such jobs go back to the queue instead of failing.
	errShutdown = errors.New("worker pool stopped")
)

// Queue holds pending jobs and hands them to workers in FIFO order. At most
// capacity jobs are active at once; a slot is freed only when the worker
// running the job releases it.
type Queue struct {
	mu       sync.Mutex
	capacity int
	pending  []*Job          // queued and paused jobs, oldest first
	jobs     map[string]*Job // every non-pruned job, including terminal ones
	active   map[string]*Job
	paused   map[string]bool // batch id -> held
	pruned   map[string]bool // batch id -> forgotten while jobs were still active
	changed  chan struct{}
	closed   bool

	observe func(JobSnapshot)
}

// NewQueue creates a queue that allows capacity concurrently active jobs.
// observe, if non-nil, receives a snapshot after every status change; it is
// called without the queue lock held.
func NewQueue(capacity int, observe func(JobSnapshot)) *Queue {
	if capacity <= 0 {
		capacity = DefaultWorkerCount
	}
	return &Queue{
		capacity: capacity,
		jobs:     make(map[string]*Job),
		active:   make(map[string]*Job),
		paused:   make(map[string]bool),
		pruned:   make(map[string]bool),
		changed:  make(chan struct{}),
		observe:  observe,
	}
}

// Capacity returns the maximum number of concurrently active jobs.
func (q *Queue) Capacity() int {
	return q.capacity
}

// signal wakes every goroutine blocked in Next. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) emit(snaps []JobSnapshot) {
	if q.observe == nil {
		return
	}
	for _, s := range snaps {
		q.observe(s)
	}
}

// Enqueue appends a job. Jobs of a paused batch are held as paused.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, exists := q.jobs[job.ID()]; exists {
		q.mu.Unlock()
		return ErrDuplicateJob
	}

	var snaps []JobSnapshot
	if job.Status() == StatusActive {
		// Restored from a store after an unclean stop.
		if s, ok := job.transition(StatusQueued, ReasonNone, nil); ok {
			snaps = append(snaps, s)
		}
	}
	if q.paused[job.BatchID()] {
		if s, ok := job.transition(StatusPaused, ReasonNone, nil); ok {
			snaps = append(snaps, s)
		}
	} else if job.Status() == StatusPaused {
		if s, ok := job.transition(StatusQueued, ReasonNone, nil); ok {
			snaps = append(snaps, s)
		}
	}

	q.jobs[job.ID()] = job
	if !job.Status().IsTerminal() {
		q.pending = append(q.pending, job)
		q.signal()
	}
	q.mu.Unlock()

	q.emit(snaps)
	return nil
}

// Dequeue returns the oldest queued job and marks it active, or false when
// nothing is runnable or every slot is taken. It never blocks.
func (q *Queue) Dequeue() (*Job, bool) {
	job, snap := q.dequeue(context.Background())
	if job == nil {
		return nil, false
	}
	q.emit([]JobSnapshot{snap})
	return job, true
}

// Next blocks until a job can be activated, ctx is done, or the queue closes.
// The job's context derives from ctx.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	return q.next(ctx, ctx)
}

func (q *Queue) next(wait, parent context.Context) (*Job, error) {
	for {
		job, snap := q.dequeue(parent)
		if job != nil {
			q.emit([]JobSnapshot{snap})
			return job, nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		changed := q.changed
		// Re-check under the lock so a signal between dequeue and here is not lost.
		runnable := q.runnableLocked()
		q.mu.Unlock()
		if runnable {
			continue
		}

		select {
		case <-wait.Done():
			return nil, wait.Err()
		case <-changed:
		}
	}
}

func (q *Queue) runnableLocked() bool {
	if len(q.active) >= q.capacity {
		return false
	}
	for _, job := range q.pending {
		if job.Status() == StatusQueued {
			return true
		}
	}
	return false
}

func (q *Queue) dequeue(parent context.Context) (*Job, JobSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.active) >= q.capacity {
		return nil, JobSnapshot{}
	}

	for i, job := range q.pending {
		if job.Status() != StatusQueued {
			continue
		}
		snap, ok := job.transition(StatusActive, ReasonNone, nil)
		if !ok {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		job.ctx, job.cancel = context.WithCancelCause(parent)
		q.active[job.ID()] = job
		return job, snap
	}
	return nil, JobSnapshot{}
}

// Release frees the slot held by an active job and records its outcome.
// A nil err marks it done. A job interrupted by shutdown returns to the head
// of the queue. A job already cancelled stays failed.
func (q *Queue) Release(job *Job, err error) JobSnapshot {
	q.mu.Lock()

	var (
		snap JobSnapshot
		ok   bool
	)
	interrupted := job.ctx != nil && errors.Is(context.Cause(job.ctx), errShutdown)

	switch {
	case job.Status().IsTerminal():
		snap = job.Snapshot()
	case err == nil:
		snap, ok = job.transition(StatusDone, ReasonNone, nil)
	case interrupted:
		snap, ok = job.transition(StatusQueued, ReasonNone, nil)
		if ok {
			q.pending = append([]*Job{job}, q.pending...)
			if q.paused[job.BatchID()] {
				snap, _ = job.transition(StatusPaused, ReasonNone, nil)
			}
		}
	default:
		snap, ok = job.transition(StatusFailed, ReasonFor(err), err)
	}

	if job.cancel != nil {
		job.cancel(nil)
	}
	delete(q.active, job.ID())
	if q.pruned[job.BatchID()] {
		q.removePendingLocked(job.ID())
		delete(q.jobs, job.ID())
		if !q.batchActiveLocked(job.BatchID()) {
			delete(q.pruned, job.BatchID())
		}
	}
	q.signal()
	q.mu.Unlock()

	if ok {
		q.emit([]JobSnapshot{snap})
	}
	return snap
}

// Cancel moves a queued, paused or active job to failed(cancelled). Active
// jobs also have their context cancelled; their worker stops at its next
// checkpoint. Cancelling a terminal job is a no-op.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}

	snap, changed := q.cancelLocked(job)
	q.mu.Unlock()

	if changed {
		q.emit([]JobSnapshot{snap})
	}
	return nil
}

// CancelBatch cancels every unfinished job of a batch under a single lock,
// so none of its queued jobs can start while the batch is being cancelled.
func (q *Queue) CancelBatch(batchID string) int {
	q.mu.Lock()
	var snaps []JobSnapshot
	for _, job := range q.jobs {
		if job.BatchID() != batchID {
			continue
		}
		if snap, ok := q.cancelLocked(job); ok {
			snaps = append(snaps, snap)
		}
	}
	q.mu.Unlock()

	q.emit(snaps)
	return len(snaps)
}

func (q *Queue) cancelLocked(job *Job) (JobSnapshot, bool) {
	status := job.Status()
	if status.IsTerminal() {
		return JobSnapshot{}, false
	}

	snap, ok := job.transition(StatusFailed, ReasonCancelled, nil)
	if !ok {
		return JobSnapshot{}, false
	}

	if status == StatusActive {
		job.cancel(context.Canceled)
	} else {
		q.removePendingLocked(job.ID())
	}
	q.signal()
	return snap, true
}

func (q *Queue) removePendingLocked(id string) {
	for i, job := range q.pending {
		if job.ID() == id {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return
		}
	}
}

// PauseBatch holds the batch's queued jobs. Active jobs keep running.
func (q *Queue) PauseBatch(batchID string) int {
	q.mu.Lock()
	q.paused[batchID] = true

	var snaps []JobSnapshot
	for _, job := range q.pending {
		if job.BatchID() != batchID {
			continue
		}
		if s, ok := job.transition(StatusPaused, ReasonNone, nil); ok {
			snaps = append(snaps, s)
		}
	}
	q.mu.Unlock()

	q.emit(snaps)
	return len(snaps)
}

// ResumeBatch releases the batch's held jobs back to the queue.
func (q *Queue) ResumeBatch(batchID string) int {
	q.mu.Lock()
	delete(q.paused, batchID)

	var snaps []JobSnapshot
	for _, job := range q.pending {
		if job.BatchID() != batchID {
			continue
		}
		if s, ok := job.transition(StatusQueued, ReasonNone, nil); ok {
			snaps = append(snaps, s)
		}
	}
	if len(snaps) > 0 {
		q.signal()
	}
	q.mu.Unlock()

	q.emit(snaps)
	return len(snaps)
}

// BatchPaused reports whether the batch is currently held.
func (q *Queue) BatchPaused(batchID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[batchID]
}

// Get returns a known job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return job, ok
}

// Prune forgets every job of a batch. Active jobs are left in place until
// their worker releases them.
func (q *Queue) Prune(batchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.jobs {
		if job.BatchID() != batchID {
			continue
		}
		if _, running := q.active[id]; running {
			q.pruned[batchID] = true
			continue
		}
		q.removePendingLocked(id)
		delete(q.jobs, id)
	}
	delete(q.paused, batchID)
}

func (q *Queue) batchActiveLocked(batchID string) bool {
	for _, job := range q.active {
		if job.BatchID() == batchID {
			return true
		}
	}
	return false
}

// Len returns the number of queued or paused jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveCount returns the number of jobs holding a slot.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// interruptActive cancels every active job with errShutdown.
func (q *Queue) interruptActive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.active {
		if job.cancel != nil {
			job.cancel(errShutdown)
		}
	}
}

// Close stops handing out jobs and wakes blocked workers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}
