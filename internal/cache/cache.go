// Package cache keeps resolved catalog lookups in Redis so repeated requests
// for the same album or playlist skip the rate-limited catalog API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/mediafetch/internal/logger"
)

const keyPrefix = "mediafetch:cache:"

// Cache stores JSON values with a TTL.
type Cache struct {
	client *redis.Client
	log    *logger.Logger
}

// New connects to the Redis server at redisURL.
func New(ctx context.Context, redisURL string, log *logger.Logger) (*Cache, error) {
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
	return NewFromClient(client, log), nil
}

// NewFromClient wraps an existing connection. Close then closes client.
func NewFromClient(client *redis.Client, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	return &Cache{client: client, log: log.WithComponent("cache")}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Get decodes the value stored at key into dst. A miss or a read error
// reports false.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.log.Debug(ctx, "cache miss", logger.Fields{"key": key})
		return false
	}
	if err != nil {
		c.log.WarnErr(ctx, "cache read failed", err, logger.Fields{"key": key})
		return false
	}
	if err := json.Unmarshal(val, dst); err != nil {
		c.log.WarnErr(ctx, "cache entry undecodable", err, logger.Fields{"key": key})
		return false
	}
	c.log.Debug(ctx, "cache hit", logger.Fields{"key": key})
	return true
}

// Set stores value at key for ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		c.log.WarnErr(ctx, "cache write failed", err, logger.Fields{"key": key})
		return err
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}
