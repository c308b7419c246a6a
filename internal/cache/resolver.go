package cache

import (
	"context"
	"time"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
)

// Resolver caches collection lookups of another resolver. Streams are always
// fetched fresh because their URLs are signed and short-lived.
type Resolver struct {
	next  catalog.Resolver
	cache *Cache
	ttl   time.Duration
}

// NewResolver wraps next. A non-positive ttl returns next unchanged.
func NewResolver(next catalog.Resolver, cache *Cache, ttl time.Duration) catalog.Resolver {
	if cache == nil || ttl <= 0 {
		return next
	}
	return &Resolver{next: next, cache: cache, ttl: ttl}
}

func collectionKey(mediaType catalog.MediaType, id string) string {
	return "collection:" + string(mediaType) + ":" + id
}

// Resolve implements catalog.Resolver.
func (r *Resolver) Resolve(ctx context.Context, mediaType catalog.MediaType, id string) (*catalog.Collection, error) {
	key := collectionKey(mediaType, id)

	var cached catalog.Collection
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	c, err := r.next.Resolve(ctx, mediaType, id)
	if err != nil {
		return nil, err
	}
	// A failed write only costs a future lookup.
	_ = r.cache.Set(ctx, key, c, r.ttl)
	return c, nil
}

// Stream implements catalog.Resolver.
func (r *Resolver) Stream(ctx context.Context, item catalog.Item) (*catalog.Stream, error) {
	return r.next.Stream(ctx, item)
}

// Invalidate drops the cached collection for a request.
func (r *Resolver) Invalidate(ctx context.Context, mediaType catalog.MediaType, id string) error {
	return r.cache.Delete(ctx, collectionKey(mediaType, id))
}
