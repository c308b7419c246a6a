package download

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressSnapshot aggregates the latest reports of a set of jobs.
type ProgressSnapshot struct {
	BatchID        string        `json:"batch_id,omitempty"`
	TotalBytes     int64         `json:"total_bytes"`
	CompletedBytes int64         `json:"completed_bytes"`
	ActiveJobCount int           `json:"active_job_count"`
	Total          int           `json:"total"`
	Queued         int           `json:"queued"`
	Paused         int           `json:"paused"`
	Done           int           `json:"done"`
	Failed         int           `json:"failed"`
	Cancelled      int           `json:"cancelled"`
	Skipped        int           `json:"skipped"`
	Complete       bool          `json:"complete"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Jobs           []JobSnapshot `json:"jobs,omitempty"`
}

// Progress returns byte completion in [0,1].
func (p ProgressSnapshot) Progress() float64 {
	if p.Complete {
		return 1
	}
	if p.TotalBytes <= 0 {
		return 0
	}
	return min(float64(p.CompletedBytes)/float64(p.TotalBytes), 1)
}

func (p *ProgressSnapshot) add(s JobSnapshot) {
	p.Total++
	p.CompletedBytes += s.BytesCompleted
	// Unknown or understated sizes count as what is already on disk.
	p.TotalBytes += max(s.TotalBytes, s.BytesCompleted)

	switch s.Status {
	case StatusQueued:
		p.Queued++
	case StatusActive:
		p.ActiveJobCount++
	case StatusPaused:
		p.Paused++
	case StatusDone:
		p.Done++
		if s.Skipped {
			p.Skipped++
		}
	case StatusFailed:
		p.Failed++
		if s.Reason == ReasonCancelled {
			p.Cancelled++
		}
	}
	if s.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = s.UpdatedAt
	}
}

// Event is delivered to subscribers for every accepted report.
type Event struct {
	Job   JobSnapshot      `json:"job"`
	Batch ProgressSnapshot `json:"batch"`
}

// Subscription receives progress events. Events are dropped, never queued
// without bound, when the consumer falls behind.
type Subscription struct {
	batchID string
	ch      chan Event
	dropped atomic.Int64
	agg     *Aggregator
	once    sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.agg.mu.Lock()
		delete(s.agg.subs, s)
		close(s.ch)
		s.agg.mu.Unlock()
	})
}

// Aggregator keeps the latest snapshot of every job and sums them into
// batch and global views. Report never blocks on subscribers.
type Aggregator struct {
	mu      sync.Mutex
	reports map[string]JobSnapshot
	batches map[string][]string // batch id -> job ids in first-report order
	subs    map[*Subscription]struct{}
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		reports: make(map[string]JobSnapshot),
		batches: make(map[string][]string),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Report records a job snapshot. Snapshots older than the one already held
// for the job are discarded and Report returns false.
func (a *Aggregator) Report(s JobSnapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, seen := a.reports[s.ID]
	if seen && s.Version < prev.Version {
		return false
	}
	a.reports[s.ID] = s
	if !seen {
		a.batches[s.BatchID] = append(a.batches[s.BatchID], s.ID)
	}

	if len(a.subs) == 0 {
		return true
	}

	var batch *ProgressSnapshot
	for sub := range a.subs {
		if sub.batchID != "" && sub.batchID != s.BatchID {
			continue
		}
		if batch == nil {
			b := a.summarizeLocked(s.BatchID, false)
			batch = &b
		}
		select {
		case sub.ch <- Event{Job: s, Batch: *batch}:
		default:
			sub.dropped.Add(1)
		}
	}
	return true
}

// Summary sums every tracked job.
func (a *Aggregator) Summary() ProgressSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var p ProgressSnapshot
	for _, s := range a.reports {
		p.add(s)
	}
	p.Complete = p.Total > 0 && p.Done+p.Failed == p.Total
	return p
}

// BatchSummary sums one batch and includes its jobs ordered by position.
// The second result is false for an unknown batch.
func (a *Aggregator) BatchSummary(batchID string) (ProgressSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.batches[batchID]; !ok {
		return ProgressSnapshot{BatchID: batchID}, false
	}
	return a.summarizeLocked(batchID, true), true
}

func (a *Aggregator) summarizeLocked(batchID string, withJobs bool) ProgressSnapshot {
	p := ProgressSnapshot{BatchID: batchID}
	ids := a.batches[batchID]
	if withJobs {
		p.Jobs = make([]JobSnapshot, 0, len(ids))
	}
	for _, id := range ids {
		s := a.reports[id]
		p.add(s)
		if withJobs {
			p.Jobs = append(p.Jobs, s)
		}
	}
	p.Complete = p.Total > 0 && p.Done+p.Failed == p.Total
	if withJobs {
		slices.SortStableFunc(p.Jobs, func(x, y JobSnapshot) int {
			return x.Position - y.Position
		})
	}
	return p
}

// Subscribe returns a subscription for one batch, or for every batch when
// batchID is empty.
func (a *Aggregator) Subscribe(batchID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		batchID: batchID,
		ch:      make(chan Event, buffer),
		agg:     a,
	}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()
	return sub
}

// Forget drops every report of a batch.
func (a *Aggregator) Forget(batchID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.batches[batchID] {
		delete(a.reports, id)
	}
	delete(a.batches, batchID)
}

// BatchIDs returns the ids of every tracked batch.
func (a *Aggregator) BatchIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.batches))
	for id := range a.batches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
