package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/pathing"
)

func albumResolver(n int, urlFor func(track int) string) *catalog.StaticResolver {
	r := catalog.NewStaticResolver()
	items := make([]catalog.Item, n)
	for i := range n {
		id := strconv.Itoa(1000 + i + 1)
		items[i] = catalog.Item{
			Kind:           catalog.MediaTrack,
			ID:             id,
			Title:          fmt.Sprintf("Song %d", i+1),
			Artists:        []string{"The Band"},
			AlbumID:        "77",
			AlbumTitle:     "The Record",
			TrackNumber:    i + 1,
			NumberOfTracks: n,
			CoverID:        "aa-bb-cc",
		}
		r.AddStream(catalog.MediaTrack, id, &catalog.Stream{URLs: []string{urlFor(i + 1)}, Extension: ".flac"})
	}
	r.AddCollection(&catalog.Collection{Type: catalog.MediaAlbum, ID: "77", Title: "The Record", CoverID: "aa-bb-cc", Items: items})
	return r
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}
	if cfg.SkipMode == "" {
		cfg.SkipMode = pathing.SkipDisabled
	}
	cfg.Logger = logger.Discard()
	cfg.Transfer.Retry = fastRetry(2)

	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	return o
}

func waitBatch(t *testing.T, o *Orchestrator, batchID string) ProgressSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := o.Wait(ctx, batchID)
	require.NoError(t, err, "batch did not finish: %+v", summary)
	return summary
}

func TestOrchestrator_AlbumWithMissingTracks(t *testing.T) {
	missing := map[int]bool{3: true, 6: true, 9: true}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/track/"))
		if missing[n] {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "audio data for track %d", n)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    albumResolver(10, func(n int) string { return fmt.Sprintf("%s/track/%d", srv.URL, n) }),
		WorkerCount: 3,
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)

	summary := waitBatch(t, o, batchID)
	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 7, summary.Done)
	assert.Equal(t, 3, summary.Failed)
	assert.True(t, summary.Complete)
	assert.Equal(t, summary.TotalBytes, summary.CompletedBytes)

	for _, job := range summary.Jobs {
		if missing[job.Position] {
			assert.Equal(t, StatusFailed, job.Status)
			assert.Equal(t, ReasonNotFound, job.Reason)
			continue
		}
		assert.Equal(t, StatusDone, job.Status, "job %d", job.Position)
		data, err := os.ReadFile(job.DestinationPath)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("audio data for track %d", job.Position), string(data))
	}

	first := summary.Jobs[0].DestinationPath
	assert.Equal(t, filepath.Join("The Band", "The Record", "01. Song 1.flac"), relTo(t, o.dir, first))
}

func relTo(t *testing.T, root, path string) string {
	t.Helper()
	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	return rel
}

func instantRunner() Runner {
	return RunnerFunc(func(ctx context.Context, job *Job) error { return nil })
}

func TestOrchestrator_ExpansionIsDeterministic(t *testing.T) {
	resolver := albumResolver(6, func(n int) string { return fmt.Sprintf("http://cdn.invalid/%d", n) })
	o := newTestOrchestrator(t, OrchestratorConfig{Resolver: resolver, Runner: instantRunner()})
	o.Start()

	expand := func() []JobSnapshot {
		batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
		require.NoError(t, err)
		return waitBatch(t, o, batchID).Jobs
	}

	a, b := expand(), expand()
	require.Len(t, a, 6)
	require.Len(t, b, 6)
	for i := range a {
		assert.Equal(t, i+1, a[i].Position)
		assert.Equal(t, a[i].Position, b[i].Position)
		assert.Equal(t, a[i].Asset.MediaID, b[i].Asset.MediaID)
		assert.Equal(t, a[i].DestinationPath, b[i].DestinationPath)
		assert.NotEqual(t, a[i].ID, b[i].ID, "job ids are scoped to their batch")
	}
}

// blockingRunner holds every job until its context is cancelled.
type blockingRunner struct {
	mu      sync.Mutex
	started map[string]bool
	signal  chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(map[string]bool), signal: make(chan string, 64)}
}

func (b *blockingRunner) Run(ctx context.Context, job *Job) error {
	b.mu.Lock()
	b.started[job.ID()] = true
	b.mu.Unlock()
	b.signal <- job.ID()
	<-ctx.Done()
	return apperrors.Cancelled().WithCause(context.Cause(ctx))
}

func (b *blockingRunner) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
}

func TestOrchestrator_CancelBatch(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    albumResolver(5, func(n int) string { return "http://cdn.invalid/x" }),
		Runner:      runner,
		WorkerCount: 2,
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	runner.waitStarted(t, 2)

	require.NoError(t, o.Cancel(context.Background(), batchID))
	summary := waitBatch(t, o, batchID)

	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, 5, summary.Cancelled)
	for _, job := range summary.Jobs {
		assert.Equal(t, ReasonCancelled, job.Reason)
	}

	runner.mu.Lock()
	assert.Len(t, runner.started, 2, "queued jobs must not start after cancel")
	runner.mu.Unlock()

	// Cancelling again changes nothing.
	require.NoError(t, o.Cancel(context.Background(), batchID))
	again, err := o.Status(batchID)
	require.NoError(t, err)
	assert.Equal(t, summary.Cancelled, again.Cancelled)
}

func TestOrchestrator_SkipExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "The Band", "The Record", "02. Song 2.flac")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o644))

	var mu sync.Mutex
	ran := map[int]bool{}
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    albumResolver(3, func(n int) string { return "http://cdn.invalid/x" }),
		DownloadDir: dir,
		SkipMode:    pathing.SkipExact,
		Runner: RunnerFunc(func(ctx context.Context, job *Job) error {
			mu.Lock()
			ran[job.Snapshot().Position] = true
			mu.Unlock()
			return nil
		}),
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	summary := waitBatch(t, o, batchID)

	assert.Equal(t, 3, summary.Done)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, summary.Jobs[1].Skipped)
	assert.Equal(t, int64(len("already here")), summary.Jobs[1].BytesCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran[2], "skipped job must not transfer")
	assert.True(t, ran[1])
	assert.True(t, ran[3])
}

func TestOrchestrator_AppendUniquifies(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "The Band", "The Record", "01. Song 1.flac")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, nil, 0o644))

	resolver := albumResolver(1, func(n int) string { return "http://cdn.invalid/x" })
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    resolver,
		DownloadDir: dir,
		SkipMode:    pathing.SkipAppend,
		Runner:      instantRunner(),
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	summary := waitBatch(t, o, batchID)

	require.Len(t, summary.Jobs, 1)
	assert.Equal(t, "01. Song 1 (1).flac", filepath.Base(summary.Jobs[0].DestinationPath))
}

func TestOrchestrator_PauseResume(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver: albumResolver(4, func(n int) string { return "http://cdn.invalid/x" }),
		Runner:   instantRunner(),
	})

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	require.NoError(t, o.Pause(context.Background(), batchID))

	o.Start()
	time.Sleep(50 * time.Millisecond)

	status, err := o.Status(batchID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Paused)
	assert.Equal(t, 0, status.Done)

	require.NoError(t, o.Resume(context.Background(), batchID))
	summary := waitBatch(t, o, batchID)
	assert.Equal(t, 4, summary.Done)
}

// failingStreams makes stream lookups fail for selected item ids.
type failingStreams struct {
	*catalog.StaticResolver
	fail map[string]error
}

func (f failingStreams) Stream(ctx context.Context, item catalog.Item) (*catalog.Stream, error) {
	if err, ok := f.fail[item.ID]; ok {
		return nil, err
	}
	return f.StaticResolver.Stream(ctx, item)
}

func TestOrchestrator_UnresolvableItems(t *testing.T) {
	static := albumResolver(3, func(n int) string { return "http://cdn.invalid/x" })
	static.AddStream(catalog.MediaTrack, "1002", &catalog.Stream{
		URLs:       []string{"http://cdn.invalid/enc"},
		Encryption: "OLD_AES",
	})
	resolver := failingStreams{
		StaticResolver: static,
		fail:           map[string]error{"1003": apperrors.AssetNotFound("1003")},
	}

	o := newTestOrchestrator(t, OrchestratorConfig{Resolver: resolver, Runner: instantRunner()})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	summary := waitBatch(t, o, batchID)

	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, ReasonInvalidResponse, summary.Jobs[1].Reason)
	assert.Contains(t, summary.Jobs[1].Error, "encrypted")
	assert.Equal(t, ReasonNotFound, summary.Jobs[2].Reason)
}

func TestOrchestrator_SubmitErrors(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorConfig{Resolver: catalog.NewStaticResolver(), Runner: instantRunner()})

	_, err := o.Submit(context.Background(), Request{Type: "podcast", ID: "1"})
	assert.Equal(t, apperrors.CodeUnsupportedMedia, apperrors.CodeOf(err))

	_, err = o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "404"})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	_, err = o.Status("nope")
	assert.Equal(t, apperrors.CodeBatchNotFound, apperrors.CodeOf(err))

	_, err = o.Job("nope")
	assert.Equal(t, apperrors.CodeJobNotFound, apperrors.CodeOf(err))
}

func TestOrchestrator_CoverJobs(t *testing.T) {
	var mu sync.Mutex
	var urls []string
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:       albumResolver(3, func(n int) string { return "http://cdn.invalid/x" }),
		DownloadCovers: true,
		CoverDimension: 640,
		Runner: RunnerFunc(func(ctx context.Context, job *Job) error {
			mu.Lock()
			urls = append(urls, job.Snapshot().Asset.URLs[0])
			mu.Unlock()
			return nil
		}),
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	summary := waitBatch(t, o, batchID)

	require.Len(t, summary.Jobs, 4, "one shared cover for the album")
	cover := summary.Jobs[3]
	assert.Equal(t, AssetCover, cover.Asset.Kind)
	assert.Equal(t, "cover.jpg", filepath.Base(cover.DestinationPath))
	assert.Equal(t, filepath.Dir(summary.Jobs[0].DestinationPath), filepath.Dir(cover.DestinationPath))
	assert.Equal(t, "https://resources.tidal.com/images/aa/bb/cc/640.jpg", cover.Asset.URLs[0])
}

type memStore struct {
	mu      sync.Mutex
	batches map[string]BatchRecord
	jobs    map[string]map[string]JobSnapshot
}

func newMemStore() *memStore {
	return &memStore{batches: map[string]BatchRecord{}, jobs: map[string]map[string]JobSnapshot{}}
}

func (m *memStore) SaveBatch(ctx context.Context, b BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *memStore) SaveJob(ctx context.Context, s JobSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[s.BatchID] == nil {
		m.jobs[s.BatchID] = map[string]JobSnapshot{}
	}
	if prev, ok := m.jobs[s.BatchID][s.ID]; ok && prev.Version > s.Version {
		return nil
	}
	m.jobs[s.BatchID][s.ID] = s
	return nil
}

func (m *memStore) LoadBatches(ctx context.Context) ([]BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BatchRecord
	for _, b := range m.batches {
		out = append(out, b)
	}
	return out, nil
}

func (m *memStore) LoadJobs(ctx context.Context, batchID string) ([]JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobSnapshot
	for _, s := range m.jobs[batchID] {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) DeleteBatch(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, batchID)
	delete(m.jobs, batchID)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestOrchestrator_RestoreResumesUnfinishedJobs(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	resolver := albumResolver(4, func(n int) string { return "http://cdn.invalid/x" })

	runner := newBlockingRunner()
	first, err := NewOrchestrator(OrchestratorConfig{
		Resolver:    resolver,
		DownloadDir: dir,
		SkipMode:    pathing.SkipDisabled,
		WorkerCount: 2,
		Runner:      runner,
		Store:       store,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)
	first.Start()

	batchID, err := first.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	runner.waitStarted(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first.Stop(ctx)

	persisted, err := store.LoadJobs(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, persisted, 4)
	for _, s := range persisted {
		assert.Equal(t, StatusQueued, s.Status, "interrupted and pending jobs persist as queued")
	}

	second := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    resolver,
		DownloadDir: dir,
		Runner:      instantRunner(),
		Store:       store,
	})
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	second.Start()
	summary := waitBatch(t, second, batchID)
	assert.Equal(t, 4, summary.Done)

	require.NoError(t, second.Remove(context.Background(), batchID))
	assert.Empty(t, store.batches)
	_, err = second.Status(batchID)
	assert.Error(t, err)
}

type sinkFunc func(ctx context.Context, s JobSnapshot) error

func (f sinkFunc) Record(ctx context.Context, s JobSnapshot) error { return f(ctx, s) }

func TestOrchestrator_SinksReceiveTerminalJobs(t *testing.T) {
	var mu sync.Mutex
	got := map[string]Status{}
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver: albumResolver(3, func(n int) string { return "http://cdn.invalid/x" }),
		Runner:   instantRunner(),
		Sinks: []ResultSink{sinkFunc(func(ctx context.Context, s JobSnapshot) error {
			mu.Lock()
			got[s.ID] = s.Status
			mu.Unlock()
			return nil
		})},
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	waitBatch(t, o, batchID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 3)
	for _, status := range got {
		assert.Equal(t, StatusDone, status)
	}
}

func TestOrchestrator_RestoreDoesNotRedeliverFinishedJobs(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	resolver := albumResolver(3, func(n int) string { return "http://cdn.invalid/x" })

	var calls atomic.Int32
	started := make(chan struct{})
	first, err := NewOrchestrator(OrchestratorConfig{
		Resolver:    resolver,
		DownloadDir: dir,
		SkipMode:    pathing.SkipDisabled,
		WorkerCount: 1,
		Runner: RunnerFunc(func(ctx context.Context, job *Job) error {
			if calls.Add(1) < 3 {
				return nil
			}
			close(started)
			<-ctx.Done()
			return apperrors.Cancelled().WithCause(context.Cause(ctx))
		}),
		Store:  store,
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	first.Start()

	batchID, err := first.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("third job never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first.Stop(ctx)

	var mu sync.Mutex
	delivered := map[string]int{}
	second := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    resolver,
		DownloadDir: dir,
		Runner:      instantRunner(),
		Store:       store,
		Sinks: []ResultSink{sinkFunc(func(ctx context.Context, s JobSnapshot) error {
			mu.Lock()
			delivered[s.ID]++
			mu.Unlock()
			return nil
		})},
	})
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second.Start()
	summary := waitBatch(t, second, batchID)
	assert.Equal(t, 3, summary.Done)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, second.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 1, "only the job finished by this run is delivered")
	for id, count := range delivered {
		assert.Equal(t, 1, count, "job %s delivered more than once", id)
	}
}

func TestOrchestrator_RemovedBatchIgnoresLateReports(t *testing.T) {
	store := newMemStore()
	hold := make(chan struct{})
	started := make(chan *Job, 1)
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:    albumResolver(1, func(n int) string { return "http://cdn.invalid/x" }),
		WorkerCount: 1,
		Store:       store,
		Runner: RunnerFunc(func(ctx context.Context, job *Job) error {
			started <- job
			<-ctx.Done()
			<-hold
			return apperrors.Cancelled().WithCause(context.Cause(ctx))
		}),
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	var job *Job
	select {
	case job = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, o.Cancel(context.Background(), batchID))
	waitBatch(t, o, batchID)
	require.NoError(t, o.Remove(context.Background(), batchID))

	late := job.Snapshot()
	late.BytesCompleted += 4096
	late.Version++
	o.observe(late)

	_, ok := o.progress.BatchSummary(batchID)
	assert.False(t, ok, "late report must not recreate a removed batch")
	store.mu.Lock()
	assert.Empty(t, store.jobs[batchID])
	store.mu.Unlock()

	close(hold)
	assert.Eventually(t, func() bool {
		_, tracked := o.queue.Get(job.ID())
		return !tracked
	}, 5*time.Second, 10*time.Millisecond, "released job of a removed batch stays in the queue")
}

type taggerFunc func(ctx context.Context, s JobSnapshot) error

func (f taggerFunc) Tag(ctx context.Context, s JobSnapshot) error { return f(ctx, s) }

func TestOrchestrator_TagsFinishedMedia(t *testing.T) {
	var mu sync.Mutex
	tagged := map[string]*Tags{}
	o := newTestOrchestrator(t, OrchestratorConfig{
		Resolver:       albumResolver(3, func(n int) string { return "http://cdn.invalid/x" }),
		Runner:         instantRunner(),
		DownloadCovers: true,
		Tagger: taggerFunc(func(ctx context.Context, s JobSnapshot) error {
			mu.Lock()
			tagged[s.Asset.Title] = s.Asset.Tags
			mu.Unlock()
			if s.Asset.Tags.TrackNumber == 2 {
				return errors.New("moov atom missing")
			}
			return nil
		}),
	})
	o.Start()

	batchID, err := o.Submit(context.Background(), Request{Type: catalog.MediaAlbum, ID: "77"})
	require.NoError(t, err)
	summary := waitBatch(t, o, batchID)

	assert.Equal(t, 3, summary.Done, "two tracks and the cover")
	assert.Equal(t, 1, summary.Failed)
	for _, job := range summary.Jobs {
		if job.Asset.Kind == AssetCover {
			assert.Nil(t, job.Asset.Tags)
			continue
		}
		if job.Asset.Tags.TrackNumber == 2 {
			assert.Equal(t, StatusFailed, job.Status)
			assert.Equal(t, ReasonMetadataWrite, job.Reason)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tagged, 3, "the cover is not tagged")
	song := tagged["Song 1"]
	require.NotNil(t, song)
	assert.Equal(t, "The Record", song.Album)
	assert.Equal(t, []string{"The Band"}, song.Artists)
	assert.Equal(t, 1, song.TrackNumber)
	assert.Equal(t, 3, song.TrackTotal)
}
