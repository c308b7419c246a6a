package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// StaticResolver serves collections and streams from memory. It backs the
// CLI's --manifest mode and tests.
type StaticResolver struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	streams     map[string]*Stream
}

// staticFile is the on-disk layout read by LoadStatic.
type staticFile struct {
	Collections []*Collection      `json:"collections"`
	Streams     map[string]*Stream `json:"streams"`
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		collections: make(map[string]*Collection),
		streams:     make(map[string]*Stream),
	}
}

// LoadStatic reads a JSON file of collections and streams keyed by
// "<kind>:<id>".
func LoadStatic(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var f staticFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	r := NewStaticResolver()
	for _, c := range f.Collections {
		r.AddCollection(c)
	}
	for key, s := range f.Streams {
		r.mu.Lock()
		r.streams[key] = s
		r.mu.Unlock()
	}
	return r, nil
}

func key(kind MediaType, id string) string {
	return string(kind) + ":" + id
}

// AddCollection registers a collection under its type and id.
func (r *StaticResolver) AddCollection(c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[key(c.Type, c.ID)] = c
}

// AddStream registers the stream for an item.
func (r *StaticResolver) AddStream(kind MediaType, id string, s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[key(kind, id)] = s
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, mediaType MediaType, id string) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[key(mediaType, id)]
	if !ok {
		return nil, apperrors.NotFound(string(mediaType))
	}
	out := *c
	out.Items = append([]Item(nil), c.Items...)
	return &out, nil
}

// Stream implements Resolver.
func (r *StaticResolver) Stream(ctx context.Context, item Item) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	kind := item.Kind
	if kind == "" {
		kind = MediaTrack
	}
	s, ok := r.streams[key(kind, item.ID)]
	if !ok {
		return nil, apperrors.AssetNotFound(item.ID)
	}
	out := *s
	if out.Extension == "" && len(out.URLs) > 0 {
		out.Extension = FileExtension(out.URLs[0])
	}
	return &out, nil
}
