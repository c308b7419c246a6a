// Package store persists batch and job state so unfinished downloads resume
// after a restart. BoltStore keeps state in a local file; RedisStore shares
// it between processes and publishes job updates over pub/sub.
package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

// Options selects and configures a backend.
type Options struct {
	RedisURL  string
	StatePath string
}

// Open returns a RedisStore when a Redis URL is set, otherwise a BoltStore
// at StatePath. It returns nil, nil when neither is configured.
func Open(ctx context.Context, opts Options) (download.JobStore, error) {
	switch {
	case opts.RedisURL != "":
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis job store: %w", err)
		}
		return s, nil
	case opts.StatePath != "":
		s, err := NewBoltStore(opts.StatePath)
		if err != nil {
			return nil, fmt.Errorf("bolt job store: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

func sortByPosition(jobs []download.JobSnapshot) {
	slices.SortStableFunc(jobs, func(a, b download.JobSnapshot) int {
		return a.Position - b.Position
	})
}
