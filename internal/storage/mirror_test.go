package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
)

// fakeS3 serves path-style HEAD and PUT requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	f := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodHead:
			body, ok := f.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.objects[r.URL.Path] = body
			f.types[r.URL.Path] = r.Header.Get("Content-Type")
			f.puts++
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(f.objects, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestMirror(endpoint string) *Mirror {
	m := NewMirror(&Config{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "media-assets",
	}, logger.Discard())
	m.retry = &apperrors.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
	return m
}

func doneJob(t *testing.T, mediaID string) download.JobSnapshot {
	path := filepath.Join(t.TempDir(), "01. Song.flac")
	require.NoError(t, os.WriteFile(path, []byte("fLaC-audio-bytes"), 0o644))
	return download.JobSnapshot{
		ID:              "job-" + mediaID,
		BatchID:         "batch-1",
		Asset:           download.Asset{Kind: download.AssetTrack, MediaID: mediaID, Title: "Song"},
		DestinationPath: path,
		Status:          download.StatusDone,
	}
}

func TestMirror_UploadsAndDeduplicates(t *testing.T) {
	fake, srv := newFakeS3(t)
	m := newTestMirror(srv.URL)
	ctx := context.Background()

	job := doneJob(t, "1001")
	result, err := m.Upload(ctx, job)
	require.NoError(t, err)
	assert.True(t, result.IsNew)
	assert.Equal(t, GenerateIdentityHash(download.AssetTrack, "1001"), result.IdentityHash)
	assert.True(t, strings.HasSuffix(result.StorageKey, "/asset.flac"))

	fake.mu.Lock()
	assetPath := "/media-assets/" + result.StorageKey
	assert.Equal(t, "fLaC-audio-bytes", string(fake.objects[assetPath]))
	assert.Equal(t, "audio/flac", fake.types[assetPath])
	_, hasMeta := fake.objects["/media-assets/track/"+result.IdentityHash+"/metadata.json"]
	assert.True(t, hasMeta)
	puts := fake.puts
	fake.mu.Unlock()
	assert.Equal(t, 2, puts)

	again, err := m.Upload(ctx, doneJob(t, "1001"))
	require.NoError(t, err)
	assert.False(t, again.IsNew)

	fake.mu.Lock()
	assert.Equal(t, 2, fake.puts)
	fake.mu.Unlock()
}

func TestMirror_RecordIgnoresUnfinishedAndSkipped(t *testing.T) {
	fake, srv := newFakeS3(t)
	m := newTestMirror(srv.URL)
	ctx := context.Background()

	failed := doneJob(t, "1")
	failed.Status = download.StatusFailed
	require.NoError(t, m.Record(ctx, failed))

	skipped := doneJob(t, "2")
	skipped.Skipped = true
	require.NoError(t, m.Record(ctx, skipped))

	fake.mu.Lock()
	assert.Zero(t, fake.puts)
	fake.mu.Unlock()

	require.NoError(t, m.Record(ctx, doneJob(t, "3")))
	fake.mu.Lock()
	assert.Equal(t, 2, fake.puts)
	fake.mu.Unlock()
}

func TestMirror_MissingFile(t *testing.T) {
	_, srv := newFakeS3(t)
	m := newTestMirror(srv.URL)

	job := doneJob(t, "9")
	job.DestinationPath = filepath.Join(t.TempDir(), "gone.flac")
	_, err := m.Upload(context.Background(), job)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/flac", ContentType(download.Asset{}, "a/b.flac"))
	assert.Equal(t, "audio/mp4", ContentType(download.Asset{}, "a/b.m4a"))
	assert.Equal(t, "video/mp2t", ContentType(download.Asset{MimeType: "application/vnd.apple.mpegurl"}, "a/b.ts"))
	assert.Equal(t, "image/jpeg", ContentType(download.Asset{}, "cover.jpg"))
	assert.Equal(t, "audio/mp4", ContentType(download.Asset{MimeType: "audio/mp4"}, "a/b.bin"))
}

func TestConfig_EndpointURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", (&Config{Endpoint: "localhost:9000"}).endpointURL())
	assert.Equal(t, "https://s3.example.com", (&Config{Endpoint: "s3.example.com", UseSSL: true}).endpointURL())
	assert.Equal(t, "http://minio:9000", (&Config{Endpoint: "http://minio:9000"}).endpointURL())
}
