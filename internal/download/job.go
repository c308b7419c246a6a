package download

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// Status is the lifecycle state of a job. A job is in exactly one status.
type Status string

const (
	StatusQueued Status = "queued"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Reason explains a failed job.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonCancelled        Reason = "cancelled"
	ReasonAuthRejected     Reason = "auth_rejected"
	ReasonNotFound         Reason = "not_found"
	ReasonDiskWrite        Reason = "disk_write"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonInvalidResponse  Reason = "invalid_response"
	ReasonMetadataWrite    Reason = "metadata_write"
)

// ReasonFor maps a transfer error onto a failure reason.
func ReasonFor(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if apperrors.IsCancelled(err) || errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAuthRejected, apperrors.CodeUnauthorized:
		return ReasonAuthRejected
	case apperrors.CodeAssetNotFound, apperrors.CodeNotFound:
		return ReasonNotFound
	case apperrors.CodeDiskWrite:
		return ReasonDiskWrite
	case apperrors.CodeMetadataWrite:
		return ReasonMetadataWrite
	case apperrors.CodeRetriesExhausted:
		return ReasonRetriesExhausted
	case apperrors.CodeInvalidResponse:
		return ReasonInvalidResponse
	}
	if apperrors.IsRetryableError(err) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonRetriesExhausted
	}
	return ReasonInvalidResponse
}

// AssetKind distinguishes media payloads from artwork.
type AssetKind string

const (
	AssetTrack AssetKind = "track"
	AssetVideo AssetKind = "video"
	AssetCover AssetKind = "cover"
)

// Asset is the remote content a job fetches. Segmented assets list several
// URLs whose bodies are concatenated in order.
type Asset struct {
	Kind      AssetKind `json:"kind"`
	MediaID   string    `json:"media_id"`
	Title     string    `json:"title,omitempty"`
	URLs      []string  `json:"urls"`
	Extension string    `json:"extension,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Tags      *Tags     `json:"tags,omitempty"`
}

// Segmented reports whether the asset spans several URLs.
func (a Asset) Segmented() bool {
	return len(a.URLs) > 1
}

// JobSnapshot is an immutable copy of a job's state.
type JobSnapshot struct {
	ID              string     `json:"id"`
	BatchID         string     `json:"batch_id"`
	Position        int        `json:"position"`
	Asset           Asset      `json:"asset"`
	DestinationPath string     `json:"destination_path"`
	BytesCompleted  int64      `json:"bytes_completed"`
	TotalBytes      int64      `json:"total_bytes"`
	SegmentsDone    int        `json:"segments_done"`
	SegmentOffset   int64      `json:"segment_offset"`
	Status          Status     `json:"status"`
	Reason          Reason     `json:"reason,omitempty"`
	Skipped         bool       `json:"skipped,omitempty"`
	Error           string     `json:"error,omitempty"`
	Attempts        int        `json:"attempts"`
	Version         uint64     `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the snapshot is done or failed.
func (s JobSnapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Progress returns completion in [0,1], or 0 when the size is unknown.
func (s JobSnapshot) Progress() float64 {
	if s.Status == StatusDone {
		return 1
	}
	if s.TotalBytes <= 0 {
		return 0
	}
	return min(float64(s.BytesCompleted)/float64(s.TotalBytes), 1)
}

// Job is one unit of asset transfer. All mutation goes through methods that
// bump Version so observers can discard stale snapshots.
type Job struct {
	mu    sync.RWMutex
	state JobSnapshot

	// Set by the queue while the job is active.
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewJob creates a job from its initial state.
func NewJob(s JobSnapshot) *Job {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = StatusQueued
	}
	return &Job{state: s}
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.state.ID
}

// BatchID returns the id of the batch the job belongs to.
func (j *Job) BatchID() string {
	return j.state.BatchID
}

// Snapshot returns a copy of the current state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.Status
}

var transitions = map[Status][]Status{
	StatusQueued: {StatusActive, StatusPaused, StatusDone, StatusFailed},
	StatusPaused: {StatusQueued, StatusFailed},
	// Active → Queued happens when the pool shuts down mid-transfer.
	StatusActive: {StatusDone, StatusFailed, StatusQueued},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves the job to status. It returns false, leaving the job
// untouched, when the move is not allowed from the current status.
func (j *Job) transition(to Status, reason Reason, err error) (JobSnapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.state.Status, to) {
		return j.state, false
	}

	now := time.Now()
	j.state.Status = to
	j.state.Reason = ReasonNone
	j.state.Error = ""
	j.state.UpdatedAt = now
	j.state.Version++

	switch to {
	case StatusActive:
		if j.state.StartedAt == nil {
			j.state.StartedAt = &now
		}
	case StatusDone:
		j.state.CompletedAt = &now
		if j.state.TotalBytes < j.state.BytesCompleted {
			j.state.TotalBytes = j.state.BytesCompleted
		}
	case StatusFailed:
		j.state.CompletedAt = &now
		j.state.Reason = reason
		if err != nil {
			j.state.Error = err.Error()
		}
	}
	return j.state, true
}

// advance records bytes now held on disk. Lower values are ignored so the
// completed count never goes backwards.
func (j *Job) advance(completed int64) (JobSnapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if completed <= j.state.BytesCompleted {
		return j.state, false
	}
	j.state.BytesCompleted = completed
	j.state.UpdatedAt = time.Now()
	j.state.Version++
	return j.state, true
}

// setTotal records the expected size once known.
func (j *Job) setTotal(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if total > j.state.TotalBytes {
		j.state.TotalBytes = total
		j.state.Version++
	}
}

// segmentDone records that segment index finished with the file at offset.
func (j *Job) segmentDone(index int, offset int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index+1 > j.state.SegmentsDone {
		j.state.SegmentsDone = index + 1
		j.state.SegmentOffset = offset
		j.state.Version++
	}
}

// restoreSegments sets segment progress to what the partial file holds.
// Unlike segmentDone it may move progress backwards.
func (j *Job) restoreSegments(done int, offset int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.SegmentsDone == done && j.state.SegmentOffset == offset {
		return
	}
	j.state.SegmentsDone = done
	j.state.SegmentOffset = offset
	j.state.Version++
}

func (j *Job) incAttempts() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state.Attempts++
	j.state.Version++
}

// markSkipped finishes a job whose destination already exists.
func (j *Job) markSkipped(size int64) (JobSnapshot, bool) {
	j.mu.Lock()
	j.state.Skipped = true
	if size > j.state.BytesCompleted {
		j.state.BytesCompleted = size
	}
	j.mu.Unlock()
	return j.transition(StatusDone, ReasonNone, nil)
}
