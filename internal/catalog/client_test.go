package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/ratelimit"
)

func trackJSON(n int) string {
	return fmt.Sprintf(`{"id":%d,"title":"Song %d","trackNumber":%d,"volumeNumber":1,"artists":[{"name":"Band"}],"album":{"id":77,"title":"Album"}}`, n, n, n)
}

func newTestServer(t *testing.T, flaky *int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/albums/77", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":77,"title":"Album","cover":"ab-cd","releaseDate":"2020-05-01","numberOfTracks":5,"numberOfVolumes":1,"artist":{"name":"Band"}}`)
	})
	mux.HandleFunc("GET /v1/albums/77/items", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var items string
		for n := offset + 1; n <= 5 && n <= offset+limit; n++ {
			if items != "" {
				items += ","
			}
			items += `{"type":"track","item":` + trackJSON(n) + `}`
		}
		fmt.Fprintf(w, `{"totalNumberOfItems":5,"items":[%s]}`, items)
	})
	mux.HandleFunc("GET /v1/tracks/3/playbackinfopostpaywall", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("countryCode") != "DE" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if flaky != nil && atomic.AddInt32(flaky, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		manifest := b64(`{"mimeType":"audio/flac","codecs":"flac","encryptionType":"NONE","urls":["https://cdn.example/3.flac"]}`)
		fmt.Fprintf(w, `{"trackId":3,"manifestMimeType":%q,"manifest":%q}`, MimeBTS, manifest)
	})
	mux.HandleFunc("GET /v1/tracks/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:     srv.URL + "/v1",
		Token:       "secret",
		CountryCode: "DE",
		PageSize:    2,
		Limiter:     ratelimit.New(100, time.Second),
		Retry: &apperrors.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	return c
}

func TestClient_ResolveAlbumPaginates(t *testing.T) {
	c := newTestClient(t, newTestServer(t, nil))

	coll, err := c.Resolve(context.Background(), MediaAlbum, "77")
	require.NoError(t, err)

	assert.Equal(t, "Album", coll.Title)
	require.Len(t, coll.Items, 5)
	for i, item := range coll.Items {
		assert.Equal(t, strconv.Itoa(i+1), item.ID, "items keep service order")
		assert.Equal(t, i+1, item.TrackNumber)
		assert.Equal(t, "Band", item.Artist())
		assert.Equal(t, "ab-cd", item.CoverID)
		assert.Equal(t, "2020", item.Year())
		assert.Equal(t, 5, item.NumberOfTracks)
	}
}

func TestClient_StreamRetriesTransientFailures(t *testing.T) {
	flaky := int32(1)
	c := newTestClient(t, newTestServer(t, &flaky))

	s, err := c.Stream(context.Background(), Item{Kind: MediaTrack, ID: "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/3.flac"}, s.URLs)
	assert.Equal(t, ".flac", s.Extension)
}

func TestClient_NotFoundIsFatal(t *testing.T) {
	c := newTestClient(t, newTestServer(t, nil))

	_, err := c.Resolve(context.Background(), MediaTrack, "404")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeAssetNotFound, apperrors.CodeOf(err))
}

func TestClient_AuthRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)
	c.cfg.Token = "wrong"

	_, err := c.Resolve(context.Background(), MediaAlbum, "77")
	assert.Equal(t, apperrors.CodeAuthRejected, apperrors.CodeOf(err))
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.AddCollection(&Collection{Type: MediaTrack, ID: "1", Items: []Item{{Kind: MediaTrack, ID: "1"}}})
	r.AddStream(MediaTrack, "1", &Stream{URLs: []string{"https://x/1.flac"}})

	coll, err := r.Resolve(context.Background(), MediaTrack, "1")
	require.NoError(t, err)
	require.Len(t, coll.Items, 1)

	s, err := r.Stream(context.Background(), coll.Items[0])
	require.NoError(t, err)
	assert.Equal(t, ".flac", s.Extension)

	_, err = r.Stream(context.Background(), Item{Kind: MediaTrack, ID: "2"})
	assert.Equal(t, apperrors.CodeAssetNotFound, apperrors.CodeOf(err))
}
