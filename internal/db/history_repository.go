package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

var ErrHistoryNotFound = errors.New("history entry not found")

// HistoryEntry is one finished job as recorded in download_history.
type HistoryEntry struct {
	JobID           string     `json:"job_id"`
	BatchID         string     `json:"batch_id"`
	Position        int        `json:"position"`
	AssetKind       string     `json:"asset_kind"`
	MediaID         string     `json:"media_id"`
	Title           string     `json:"title,omitempty"`
	DestinationPath string     `json:"destination_path"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	Skipped         bool       `json:"skipped,omitempty"`
	Error           string     `json:"error,omitempty"`
	BytesCompleted  int64      `json:"bytes_completed"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// HistoryStats summarizes recorded outcomes.
type HistoryStats struct {
	Done    int   `json:"done"`
	Failed  int   `json:"failed"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

// HistoryRepository records terminal jobs. It implements download.ResultSink.
type HistoryRepository struct {
	db *DB
}

func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Record upserts a terminal job.
func (r *HistoryRepository) Record(ctx context.Context, job download.JobSnapshot) error {
	if !job.IsTerminal() {
		return nil
	}

	query := `
		INSERT INTO download_history (
			job_id, batch_id, position, asset_kind, media_id, title, destination_path,
			status, reason, skipped, error, bytes_completed, attempts,
			created_at, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			skipped = EXCLUDED.skipped,
			error = EXCLUDED.error,
			bytes_completed = EXCLUDED.bytes_completed,
			attempts = EXCLUDED.attempts,
			completed_at = EXCLUDED.completed_at,
			recorded_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.BatchID, job.Position, string(job.Asset.Kind), job.Asset.MediaID,
		nullString(job.Asset.Title), job.DestinationPath,
		string(job.Status), nullString(string(job.Reason)), job.Skipped, nullString(job.Error),
		job.BytesCompleted, job.Attempts,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	return err
}

const selectHistory = `
	SELECT job_id, batch_id, position, asset_kind, media_id, title, destination_path,
		   status, reason, skipped, error, bytes_completed, attempts,
		   created_at, started_at, completed_at
	FROM download_history
`

func scanEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var title, reason, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(
			&e.JobID, &e.BatchID, &e.Position, &e.AssetKind, &e.MediaID, &title, &e.DestinationPath,
			&e.Status, &reason, &e.Skipped, &errMsg, &e.BytesCompleted, &e.Attempts,
			&e.CreatedAt, &startedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}
		e.Title = title.String
		e.Reason = reason.String
		e.Error = errMsg.String
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetByJobID returns the entry for a job.
func (r *HistoryRepository) GetByJobID(ctx context.Context, jobID string) (*HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectHistory+` WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrHistoryNotFound
	}
	return &entries[0], nil
}

// ListByBatch returns a batch's entries in position order.
func (r *HistoryRepository) ListByBatch(ctx context.Context, batchID string) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectHistory+` WHERE batch_id = $1 ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Recent returns the most recently completed entries.
func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, selectHistory+` ORDER BY completed_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// WasDownloaded reports whether a media item already finished successfully
// in any earlier batch.
func (r *HistoryRepository) WasDownloaded(ctx context.Context, kind, mediaID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM download_history
			WHERE asset_kind = $1 AND media_id = $2 AND status = 'done'
		)
	`, kind, mediaID).Scan(&exists)
	return exists, err
}

// Stats aggregates every recorded outcome.
func (r *HistoryRepository) Stats(ctx context.Context) (*HistoryStats, error) {
	var s HistoryStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'done'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE skipped),
			COALESCE(SUM(bytes_completed), 0)
		FROM download_history
	`).Scan(&s.Done, &s.Failed, &s.Skipped, &s.Bytes)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
