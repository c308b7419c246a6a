package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

const (
	// Redis key prefixes
	keyBatches  = "mediafetch:batches"
	keyBatch    = "mediafetch:batch:"
	keyJobs     = "mediafetch:jobs:"
	keyProgress = "mediafetch:progress"
)

// saveJobScript writes a job snapshot unless a newer version is stored, and
// publishes it on the batch's progress channel.
var saveJobScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current then
  local ok, prev = pcall(cjson.decode, current)
  if ok and prev.version and tonumber(prev.version) > tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PUBLISH', KEYS[2], ARGV[2])
return 1
`)

// RedisStore implements download.JobStore on Redis and publishes every saved
// job snapshot to "mediafetch:progress:<batch id>".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at redisURL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func progressChannel(batchID string) string {
	return fmt.Sprintf("%s:%s", keyProgress, batchID)
}

// SaveBatch implements download.JobStore.
func (s *RedisStore) SaveBatch(ctx context.Context, batch download.BatchRecord) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyBatch+batch.ID, data, 0)
		pipe.SAdd(ctx, keyBatches, batch.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// SaveJob implements download.JobStore.
func (s *RedisStore) SaveJob(ctx context.Context, job download.JobSnapshot) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	keys := []string{keyJobs + job.BatchID, progressChannel(job.BatchID)}
	if err := saveJobScript.Run(ctx, s.client, keys, job.ID, data, job.Version).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// LoadBatches implements download.JobStore.
func (s *RedisStore) LoadBatches(ctx context.Context) ([]download.BatchRecord, error) {
	ids, err := s.client.SMembers(ctx, keyBatches).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	batches := make([]download.BatchRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, keyBatch+id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get batch: %w", err)
		}

		var batch download.BatchRecord
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// LoadJobs implements download.JobStore.
func (s *RedisStore) LoadJobs(ctx context.Context, batchID string) ([]download.JobSnapshot, error) {
	values, err := s.client.HGetAll(ctx, keyJobs+batchID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]download.JobSnapshot, 0, len(values))
	for _, data := range values {
		var job download.JobSnapshot
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	sortByPosition(jobs)
	return jobs, nil
}

// DeleteBatch implements download.JobStore.
func (s *RedisStore) DeleteBatch(ctx context.Context, batchID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyBatch+batchID, keyJobs+batchID)
		pipe.SRem(ctx, keyBatches, batchID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

// ProgressSubscription wraps a Redis pub/sub subscription for job updates
// of one batch.
type ProgressSubscription struct {
	pubsub *redis.PubSub
}

// SubscribeProgress subscribes to job updates of a batch, as published by
// any process sharing this Redis.
func (s *RedisStore) SubscribeProgress(ctx context.Context, batchID string) (*ProgressSubscription, error) {
	pubsub := s.client.Subscribe(ctx, progressChannel(batchID))
	// Wait for the subscription to be confirmed so no update is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &ProgressSubscription{pubsub: pubsub}, nil
}

// Channel returns a channel that receives job snapshots. It is closed when
// the subscription is closed.
func (s *ProgressSubscription) Channel() <-chan download.JobSnapshot {
	out := make(chan download.JobSnapshot)

	go func() {
		defer close(out)
		for msg := range s.pubsub.Channel() {
			var job download.JobSnapshot
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				continue
			}
			out <- job
		}
	}()

	return out
}

// Close closes the subscription
func (s *ProgressSubscription) Close() error {
	return s.pubsub.Close()
}
