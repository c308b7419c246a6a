package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestJob(batchID string, n int) *Job {
	return NewJob(JobSnapshot{
		ID:              fmt.Sprintf("%s-job-%d", batchID, n),
		BatchID:         batchID,
		Position:        n,
		Asset:           Asset{Kind: AssetTrack, MediaID: fmt.Sprint(n), URLs: []string{"http://example.invalid/a"}},
		DestinationPath: fmt.Sprintf("/tmp/%s/%d.flac", batchID, n),
	})
}

type recorder struct {
	mu    sync.Mutex
	snaps []JobSnapshot
}

func (r *recorder) observe(s JobSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.snaps {
		if s.ID == id {
			out = append(out, s.Status)
		}
	}
	return out
}

func TestQueue_FIFOAndCapacity(t *testing.T) {
	q := NewQueue(2, nil)
	for i := 1; i <= 4; i++ {
		if err := q.Enqueue(newTestJob("b", i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	first, ok := q.Dequeue()
	if !ok || first.ID() != "b-job-1" {
		t.Fatalf("expected b-job-1 first, got %v", first)
	}
	second, ok := q.Dequeue()
	if !ok || second.ID() != "b-job-2" {
		t.Fatalf("expected b-job-2 second, got %v", second)
	}

	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue must not exceed capacity")
	}
	if q.ActiveCount() != 2 {
		t.Errorf("expected 2 active, got %d", q.ActiveCount())
	}

	q.Release(first, nil)
	third, ok := q.Dequeue()
	if !ok || third.ID() != "b-job-3" {
		t.Fatalf("expected b-job-3 after release, got %v", third)
	}
	if first.Status() != StatusDone {
		t.Errorf("released job should be done, got %s", first.Status())
	}
}

func TestQueue_DuplicateAndClosed(t *testing.T) {
	q := NewQueue(1, nil)
	job := newTestJob("b", 1)
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(newTestJob("b", 1)); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}

	q.Close()
	if err := q.Enqueue(newTestJob("b", 2)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Next on closed queue: expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_NextBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(1, nil)

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Next(context.Background())
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was queued")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(newTestJob("b", 1))
	select {
	case job := <-got:
		if job.Status() != StatusActive {
			t.Errorf("expected active job, got %s", job.Status())
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up after Enqueue")
	}
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := NewQueue(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQueue_CancelIsIdempotent(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(1, rec.observe)

	queued := newTestJob("b", 1)
	active := newTestJob("b", 2)
	q.Enqueue(active)
	q.Enqueue(queued)

	job, _ := q.Dequeue()
	if job != active {
		t.Fatal("expected first enqueued job to be active")
	}

	for i := 0; i < 3; i++ {
		if err := q.Cancel(queued.ID()); err != nil {
			t.Fatalf("Cancel queued: %v", err)
		}
		if err := q.Cancel(active.ID()); err != nil {
			t.Fatalf("Cancel active: %v", err)
		}
	}

	if got := rec.statuses(queued.ID()); len(got) != 1 || got[0] != StatusFailed {
		t.Errorf("queued job should be reported failed exactly once, got %v", got)
	}

	select {
	case <-active.ctx.Done():
	default:
		t.Fatal("active job context should be cancelled")
	}
	if !errors.Is(context.Cause(active.ctx), context.Canceled) {
		t.Errorf("unexpected cancel cause %v", context.Cause(active.ctx))
	}

	snap := q.Release(active, active.ctx.Err())
	if snap.Status != StatusFailed || snap.Reason != ReasonCancelled {
		t.Errorf("expected failed/cancelled, got %s/%s", snap.Status, snap.Reason)
	}
	if q.Len() != 0 || q.ActiveCount() != 0 {
		t.Errorf("queue should be empty, len=%d active=%d", q.Len(), q.ActiveCount())
	}
	if err := q.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueue_PauseResumeBatch(t *testing.T) {
	q := NewQueue(2, nil)
	q.Enqueue(newTestJob("a", 1))
	q.Enqueue(newTestJob("b", 1))
	q.Enqueue(newTestJob("a", 2))

	if n := q.PauseBatch("a"); n != 2 {
		t.Fatalf("expected 2 held jobs, got %d", n)
	}
	if !q.BatchPaused("a") {
		t.Error("batch a should be paused")
	}

	job, ok := q.Dequeue()
	if !ok || job.BatchID() != "b" {
		t.Fatalf("only batch b should be runnable, got %v", job)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("paused jobs must not be handed out")
	}

	// Jobs added while the batch is held start paused.
	late := newTestJob("a", 3)
	q.Enqueue(late)
	if late.Status() != StatusPaused {
		t.Errorf("late job should be paused, got %s", late.Status())
	}

	if n := q.ResumeBatch("a"); n != 3 {
		t.Fatalf("expected 3 released jobs, got %d", n)
	}
	next, ok := q.Dequeue()
	if !ok || next.ID() != "a-job-1" {
		t.Fatalf("expected a-job-1 after resume, got %v", next)
	}
}

func TestQueue_InterruptedJobRequeuesAtHead(t *testing.T) {
	q := NewQueue(1, nil)
	q.Enqueue(newTestJob("b", 1))
	q.Enqueue(newTestJob("b", 2))

	job, _ := q.Dequeue()
	q.interruptActive()

	snap := q.Release(job, job.ctx.Err())
	if snap.Status != StatusQueued {
		t.Fatalf("interrupted job should be queued, got %s", snap.Status)
	}

	again, ok := q.Dequeue()
	if !ok || again.ID() != job.ID() {
		t.Fatalf("interrupted job should be next, got %v", again)
	}
	if again.ctx.Err() != nil {
		t.Error("requeued job should get a fresh context")
	}
}

func TestQueue_RestoredActiveJobIsQueued(t *testing.T) {
	job := NewJob(JobSnapshot{ID: "restored", BatchID: "b", Status: StatusActive})
	q := NewQueue(1, nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusQueued {
		t.Errorf("expected queued, got %s", job.Status())
	}

	done := NewJob(JobSnapshot{ID: "finished", BatchID: "b", Status: StatusDone})
	q.Enqueue(done)
	if q.Len() != 1 {
		t.Errorf("terminal jobs must not be pending, len=%d", q.Len())
	}
	if _, ok := q.Get("finished"); !ok {
		t.Error("terminal jobs should still be retrievable")
	}
}

func TestQueue_Prune(t *testing.T) {
	q := NewQueue(1, nil)
	q.Enqueue(newTestJob("a", 1))
	q.Enqueue(newTestJob("a", 2))
	q.Enqueue(newTestJob("b", 1))

	active, _ := q.Dequeue()
	q.Prune("a")

	if _, ok := q.Get(active.ID()); !ok {
		t.Error("active job must survive Prune")
	}
	if _, ok := q.Get("a-job-2"); ok {
		t.Error("pending job of pruned batch should be gone")
	}
	if q.Len() != 1 {
		t.Errorf("expected only batch b pending, got %d", q.Len())
	}
}

func TestQueue_PrunedActiveJobDroppedOnRelease(t *testing.T) {
	q := NewQueue(2, nil)
	q.Enqueue(newTestJob("a", 1))
	q.Enqueue(newTestJob("a", 2))

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	q.CancelBatch("a")
	q.Prune("a")

	q.Release(first, context.Canceled)
	if _, ok := q.Get(first.ID()); ok {
		t.Error("released job of a pruned batch should be forgotten")
	}
	if _, ok := q.Get(second.ID()); !ok {
		t.Error("still-active job must survive until released")
	}

	q.Release(second, context.Canceled)
	if _, ok := q.Get(second.ID()); ok {
		t.Error("last released job of a pruned batch should be forgotten")
	}
	if len(q.pruned) != 0 {
		t.Errorf("pruned marker should clear once no job is active, got %v", q.pruned)
	}
}

func TestJob_TransitionsAndVersion(t *testing.T) {
	job := newTestJob("b", 1)
	v0 := job.Snapshot().Version

	if _, ok := job.transition(StatusDone, ReasonNone, nil); !ok {
		t.Fatal("queued -> done should be allowed (skip)")
	}
	if _, ok := job.transition(StatusQueued, ReasonNone, nil); ok {
		t.Fatal("terminal jobs must not change status")
	}
	if job.Snapshot().Version <= v0 {
		t.Error("version should increase on transition")
	}

	j2 := newTestJob("b", 2)
	j2.advance(100)
	if _, ok := j2.advance(50); ok {
		t.Error("advance must ignore lower byte counts")
	}
	if got := j2.Snapshot().BytesCompleted; got != 100 {
		t.Errorf("BytesCompleted = %d, want 100", got)
	}
}
