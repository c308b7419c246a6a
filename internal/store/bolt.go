package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

// Bucket names
var (
	bucketBatches = []byte("batches")
	bucketJobs    = []byte("jobs") // holds one nested bucket per batch
)

// BoltStore implements download.JobStore on a local bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBatches, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveBatch implements download.JobStore.
func (s *BoltStore) SaveBatch(ctx context.Context, batch download.BatchRecord) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).Put([]byte(batch.ID), data)
	})
}

// SaveJob implements download.JobStore. A snapshot older than the stored one
// is ignored.
func (s *BoltStore) SaveJob(ctx context.Context, job download.JobSnapshot) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketJobs).CreateBucketIfNotExists([]byte(job.BatchID))
		if err != nil {
			return err
		}
		if current := b.Get([]byte(job.ID)); current != nil {
			var prev struct {
				Version uint64 `json:"version"`
			}
			if json.Unmarshal(current, &prev) == nil && prev.Version > job.Version {
				return nil
			}
		}
		return b.Put([]byte(job.ID), data)
	})
}

// LoadBatches implements download.JobStore.
func (s *BoltStore) LoadBatches(ctx context.Context) ([]download.BatchRecord, error) {
	var batches []download.BatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var batch download.BatchRecord
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("batch %s: %w", k, err)
			}
			batches = append(batches, batch)
			return nil
		})
	})
	return batches, err
}

// LoadJobs implements download.JobStore. Jobs come back in position order.
func (s *BoltStore) LoadJobs(ctx context.Context, batchID string) ([]download.JobSnapshot, error) {
	var jobs []download.JobSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs).Bucket([]byte(batchID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var job download.JobSnapshot
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("job %s: %w", k, err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByPosition(jobs)
	return jobs, nil
}

// DeleteBatch implements download.JobStore.
func (s *BoltStore) DeleteBatch(ctx context.Context, batchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBatches).Delete([]byte(batchID)); err != nil {
			return err
		}
		err := tx.Bucket(bucketJobs).DeleteBucket([]byte(batchID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
