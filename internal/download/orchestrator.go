package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/metrics"
	"github.com/openmusicplayer/mediafetch/internal/pathing"
)

const (
	// DefaultLookupConcurrency bounds parallel stream lookups during Submit.
	DefaultLookupConcurrency = 4

	coverFileName = "cover.jpg"
	sinkBuffer    = 256
	storeTimeout  = 5 * time.Second
)

// Request names the media a batch should fetch.
type Request struct {
	Type catalog.MediaType `json:"type"`
	ID   string            `json:"id"`
	// Title overrides the list title used by path templates.
	Title string `json:"title,omitempty"`
}

// BatchRecord is the persisted description of a submitted batch.
type BatchRecord struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Title     string    `json:"title"`
	JobIDs    []string  `json:"job_ids"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchInfo pairs a batch with its current progress.
type BatchInfo struct {
	BatchRecord
	Progress ProgressSnapshot `json:"progress"`
}

// JobStore persists batches and job state so unfinished work survives a
// restart.
type JobStore interface {
	SaveBatch(ctx context.Context, batch BatchRecord) error
	SaveJob(ctx context.Context, job JobSnapshot) error
	LoadBatches(ctx context.Context) ([]BatchRecord, error)
	LoadJobs(ctx context.Context, batchID string) ([]JobSnapshot, error)
	DeleteBatch(ctx context.Context, batchID string) error
	Close() error
}

// ResultSink receives every job that reaches a terminal status.
type ResultSink interface {
	Record(ctx context.Context, job JobSnapshot) error
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Resolver       catalog.Resolver
	DownloadDir    string
	FileTemplate   string
	SkipMode       pathing.SkipMode
	DownloadCovers bool
	CoverDimension int
	WorkerCount    int

	// TransliteratePaths strips diacritics from rendered path components.
	TransliteratePaths bool

	// Transfer configures the default runner. OnProgress is set by the
	// orchestrator.
	Transfer TransferConfig
	// Runner replaces the HTTP transfer, mainly in tests.
	Runner Runner
	// Tagger, if set, writes item metadata into finished media files.
	Tagger Tagger

	ItemDelayMin      time.Duration
	ItemDelayMax      time.Duration
	LookupConcurrency int

	Store   JobStore
	Sinks   []ResultSink
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

type batch struct {
	record BatchRecord
	done   chan struct{}
	closed bool
}

// Orchestrator expands requests into jobs, feeds them to the worker pool and
// exposes batch-level control and progress.
type Orchestrator struct {
	resolver    catalog.Resolver
	dir         string
	template    string
	translit    bool
	skip        pathing.SkipMode
	covers      bool
	coverDim    int
	lookupLimit int

	queue    *Queue
	pool     *WorkerPool
	progress *Aggregator
	store    JobStore
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	batches map[string]*batch
	claimed map[string]string // destination path -> job id

	sinks      []ResultSink
	results    chan JobSnapshot
	sinkMu     sync.RWMutex
	sinkClosed bool
	sinkDone   chan struct{}
}

// NewOrchestrator creates an orchestrator. Call Start to begin transfers.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("download: resolver is required")
	}
	if cfg.DownloadDir == "" {
		return nil, errors.New("download: download dir is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	skip := cfg.SkipMode
	if skip == "" {
		skip = pathing.SkipExact
	}
	lookup := cfg.LookupConcurrency
	if lookup <= 0 {
		lookup = DefaultLookupConcurrency
	}
	coverDim := cfg.CoverDimension
	if coverDim <= 0 {
		coverDim = catalog.CoverDimensions[len(catalog.CoverDimensions)-1]
	}

	o := &Orchestrator{
		resolver:    cfg.Resolver,
		dir:         cfg.DownloadDir,
		template:    cfg.FileTemplate,
		translit:    cfg.TransliteratePaths,
		skip:        skip,
		covers:      cfg.DownloadCovers,
		coverDim:    coverDim,
		lookupLimit: lookup,
		progress:    NewAggregator(),
		store:       cfg.Store,
		log:         log.WithComponent("orchestrator"),
		metrics:     cfg.Metrics,
		batches:     make(map[string]*batch),
		claimed:     make(map[string]string),
		sinks:       cfg.Sinks,
		results:     make(chan JobSnapshot, sinkBuffer),
		sinkDone:    make(chan struct{}),
	}

	o.queue = NewQueue(cfg.WorkerCount, o.observe)

	runner := cfg.Runner
	if runner == nil {
		tc := cfg.Transfer
		if tc.Logger == nil {
			tc.Logger = log
		}
		if tc.Metrics == nil {
			tc.Metrics = cfg.Metrics
		}
		tc.OnProgress = func(s JobSnapshot) {
			if o.known(s.BatchID) {
				o.progress.Report(s)
			}
		}
		runner = NewTransfer(tc)
	}
	if cfg.Tagger != nil {
		runner = taggingRunner{Runner: runner, tagger: cfg.Tagger}
	}

	o.pool = NewWorkerPool(o.queue, runner, &WorkerPoolConfig{
		ItemDelayMin: cfg.ItemDelayMin,
		ItemDelayMax: cfg.ItemDelayMax,
		Logger:       log,
		Metrics:      cfg.Metrics,
	})

	go o.sinkLoop()
	return o, nil
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.pool.Start()
}

// Stop stops the pool, interrupting transfers still running when ctx
// expires, and flushes pending results to the sinks. Interrupted jobs stay
// queued in the store and resume after Restore.
func (o *Orchestrator) Stop(ctx context.Context) error {
	err := o.pool.Stop(ctx)
	o.queue.Close()

	o.sinkMu.Lock()
	if !o.sinkClosed {
		o.sinkClosed = true
		close(o.results)
	}
	o.sinkMu.Unlock()

	<-o.sinkDone
	return err
}

// Progress returns the aggregator that tracks every job.
func (o *Orchestrator) Progress() *Aggregator {
	return o.progress
}

// Queue returns the work queue.
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

// IsRunning reports whether workers are running.
func (o *Orchestrator) IsRunning() bool {
	return o.pool.IsRunning()
}

// Submit resolves req and enqueues one job per item plus optional cover jobs.
// Items whose stream cannot be resolved become failed jobs; the batch is
// still created. It returns the new batch id.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	mediaType, err := catalog.ParseMediaType(string(req.Type))
	if err != nil {
		return "", apperrors.UnsupportedMedia(string(req.Type))
	}
	if req.ID == "" {
		return "", apperrors.ValidationError("id is required")
	}
	req.Type = mediaType

	batchID := uuid.NewString()
	ctx = apperrors.WithBatchID(ctx, batchID)

	collection, err := o.resolver.Resolve(ctx, mediaType, req.ID)
	if err != nil {
		return "", err
	}
	if len(collection.Items) == 0 {
		return "", apperrors.NotFound(fmt.Sprintf("%s %s has no items", mediaType, req.ID))
	}

	streams, streamErrs := o.lookupStreams(ctx, collection.Items)

	title := lo.CoalesceOrEmpty(req.Title, collection.Title)
	jobs := o.buildJobs(batchID, collection, title, streams, streamErrs)

	record := BatchRecord{
		ID:        batchID,
		Request:   req,
		Title:     title,
		JobIDs:    lo.Map(jobs, func(j *Job, _ int) string { return j.ID() }),
		CreatedAt: time.Now().UTC(),
	}
	if err := o.register(ctx, record, jobs, false); err != nil {
		return "", err
	}

	o.log.Info(ctx, "batch submitted", logger.Fields{
		"type":  string(mediaType),
		"id":    req.ID,
		"title": title,
		"jobs":  len(jobs),
	})
	return batchID, nil
}

// lookupStreams resolves every item's stream. Failures are per item.
func (o *Orchestrator) lookupStreams(ctx context.Context, items []catalog.Item) ([]*catalog.Stream, []error) {
	streams := make([]*catalog.Stream, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(o.lookupLimit)
	for i, item := range items {
		g.Go(func() error {
			streams[i], errs[i] = o.resolver.Stream(ctx, item)
			if errs[i] == nil && streams[i] == nil {
				errs[i] = apperrors.InvalidResponse("empty stream for " + item.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return streams, errs
}

// buildJobs creates the batch's jobs in item order, covers last. Job ids are
// derived from the batch id and position, so they are stable for a batch.
func (o *Orchestrator) buildJobs(batchID string, c *catalog.Collection, title string, streams []*catalog.Stream, streamErrs []error) []*Job {
	namespace := uuid.MustParse(batchID)
	pctx := pathing.Context{ListTitle: title, ListSize: len(c.Items), Transliterate: o.translit}
	if c.Type.IsList() {
		pctx.ListType = c.Type
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	taken := func(p string) bool {
		_, ok := o.claimed[p]
		return ok
	}

	jobs := make([]*Job, 0, len(c.Items)+1)
	coverDirs := make(map[string]string) // cover id -> directory of its first track
	var coverOrder []string

	for i, item := range c.Items {
		position := i + 1
		pctx.Position = position

		kind := AssetTrack
		ext := ".m4a"
		if item.Kind == catalog.MediaVideo {
			kind = AssetVideo
			ext = ".mp4"
		}

		asset := Asset{Kind: kind, MediaID: item.ID, Title: item.FullTitle(), Tags: TagsFor(item)}
		stream, streamErr := streams[i], streamErrs[i]
		if streamErr == nil {
			asset.URLs = stream.URLs
			asset.MimeType = stream.MimeType
			asset.Extension = lo.CoalesceOrEmpty(stream.Extension, ext)
			ext = asset.Extension
		}

		dest := pathing.Join(o.dir, pathing.Format(o.template, item, pctx), ext)
		job := NewJob(JobSnapshot{
			ID:              jobID(namespace, position, asset),
			BatchID:         batchID,
			Position:        position,
			Asset:           asset,
			DestinationPath: dest,
		})

		switch {
		case streamErr != nil:
			job.transition(StatusFailed, ReasonFor(streamErr), streamErr)
		case stream.Encrypted():
			err := apperrors.InvalidResponse(fmt.Sprintf("stream is encrypted (%s)", stream.Encryption))
			job.transition(StatusFailed, ReasonInvalidResponse, err)
		default:
			o.place(job, dest, o.skip, taken)
		}
		jobs = append(jobs, job)

		if o.covers && item.CoverID != "" {
			if _, seen := coverDirs[item.CoverID]; !seen {
				coverDirs[item.CoverID] = filepath.Dir(dest)
				coverOrder = append(coverOrder, item.CoverID)
			}
		}
	}

	if !o.covers {
		return jobs
	}

	// A collection cover not carried by any item still gets a file next to
	// the first item.
	if c.CoverID != "" && len(coverOrder) == 0 && len(jobs) > 0 {
		coverDirs[c.CoverID] = filepath.Dir(jobs[0].Snapshot().DestinationPath)
		coverOrder = append(coverOrder, c.CoverID)
	}

	seenDirs := make(map[string]bool)
	for _, coverID := range coverOrder {
		dir := coverDirs[coverID]
		if seenDirs[dir] {
			continue
		}
		seenDirs[dir] = true

		position := len(jobs) + 1
		asset := Asset{
			Kind:      AssetCover,
			MediaID:   coverID,
			Title:     "cover",
			URLs:      []string{catalog.CoverURL(coverID, o.coverDim)},
			Extension: ".jpg",
			MimeType:  "image/jpeg",
		}
		dest := filepath.Join(dir, coverFileName)
		job := NewJob(JobSnapshot{
			ID:              jobID(namespace, position, asset),
			BatchID:         batchID,
			Position:        position,
			Asset:           asset,
			DestinationPath: dest,
		})

		// Covers are shared by every track of a directory; never write a second copy.
		mode := o.skip
		if mode == pathing.SkipAppend || mode == pathing.SkipDisabled {
			mode = pathing.SkipExact
		}
		o.place(job, dest, mode, taken)
		jobs = append(jobs, job)
	}
	return jobs
}

// place applies the skip policy to a fresh job and claims its destination.
// Callers hold o.mu.
func (o *Orchestrator) place(job *Job, dest string, mode pathing.SkipMode, taken func(string) bool) {
	decision, err := pathing.Decide(dest, mode, taken)
	if err != nil {
		job.transition(StatusFailed, ReasonDiskWrite, apperrors.DiskWrite(dest).WithCause(err))
		return
	}
	if decision.Skip {
		var size int64
		if info, err := os.Stat(decision.Path); err == nil {
			size = info.Size()
		}
		job.markSkipped(size)
		return
	}
	if decision.Path != dest {
		job.mu.Lock()
		job.state.DestinationPath = decision.Path
		job.mu.Unlock()
	}
	o.claimed[decision.Path] = job.ID()
}

func jobID(namespace uuid.UUID, position int, asset Asset) string {
	name := fmt.Sprintf("%d:%s:%s", position, asset.Kind, asset.MediaID)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// register records a batch, persists it and hands its jobs to the queue.
// Jobs that were already terminal when restored are only counted in the
// batch progress; their outcome was delivered by the run that finished them.
func (o *Orchestrator) register(ctx context.Context, record BatchRecord, jobs []*Job, restored bool) error {
	o.mu.Lock()
	if _, exists := o.batches[record.ID]; exists {
		o.mu.Unlock()
		return apperrors.Conflict("batch already exists")
	}
	b := &batch{record: record, done: make(chan struct{})}
	o.batches[record.ID] = b
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveBatch(ctx, record); err != nil {
			o.log.WarnErr(ctx, "failed to persist batch", err)
		}
	}

	if record.Paused {
		o.queue.PauseBatch(record.ID)
	}

	// Report before enqueueing so no worker transition can race the
	// initial snapshot.
	for _, job := range jobs {
		s := job.Snapshot()
		if restored && s.IsTerminal() {
			o.progress.Report(s)
			continue
		}
		o.observe(s)
	}
	for _, job := range jobs {
		if err := o.queue.Enqueue(job); err != nil {
			return err
		}
	}

	o.checkDone(record.ID)
	return nil
}

// observe receives every job status change. Changes for batches that were
// removed while a job was still running are dropped.
func (o *Orchestrator) observe(s JobSnapshot) {
	if !o.known(s.BatchID) {
		return
	}
	o.progress.Report(s)

	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := o.store.SaveJob(ctx, s); err != nil {
			o.log.WarnErr(apperrors.WithJobID(ctx, s.ID), "failed to persist job", err)
		}
		cancel()
	}

	if o.metrics != nil {
		o.metrics.SetQueueLength(o.queue.Len())
	}

	if !s.IsTerminal() {
		return
	}

	o.mu.Lock()
	if o.claimed[s.DestinationPath] == s.ID {
		delete(o.claimed, s.DestinationPath)
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.JobFinished(string(s.Status), string(s.Reason))
	}
	o.deliver(s)
	o.checkDone(s.BatchID)
}

func (o *Orchestrator) known(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.batches[batchID]
	return ok
}

func (o *Orchestrator) deliver(s JobSnapshot) {
	if len(o.sinks) == 0 {
		return
	}
	o.sinkMu.RLock()
	defer o.sinkMu.RUnlock()
	if o.sinkClosed {
		return
	}
	o.results <- s
}

func (o *Orchestrator) sinkLoop() {
	defer close(o.sinkDone)
	for s := range o.results {
		ctx := apperrors.WithJobID(apperrors.WithBatchID(context.Background(), s.BatchID), s.ID)
		for _, sink := range o.sinks {
			if err := sink.Record(ctx, s); err != nil {
				o.log.WarnErr(ctx, "result sink failed", err)
			}
		}
	}
}

// checkDone closes the batch's done channel once every job is terminal.
func (o *Orchestrator) checkDone(batchID string) {
	summary, ok := o.progress.BatchSummary(batchID)
	if !ok || !summary.Complete {
		return
	}

	o.mu.Lock()
	b, exists := o.batches[batchID]
	if !exists || b.closed || summary.Total < len(b.record.JobIDs) {
		o.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	o.mu.Unlock()

	o.log.Info(apperrors.WithBatchID(context.Background(), batchID), "batch finished", logger.Fields{
		"done":    summary.Done,
		"failed":  summary.Failed,
		"skipped": summary.Skipped,
		"bytes":   summary.CompletedBytes,
	})
}

func (o *Orchestrator) lookup(batchID string) (*batch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[batchID]
	if !ok {
		return nil, apperrors.BatchNotFound()
	}
	return b, nil
}

func (o *Orchestrator) setPaused(ctx context.Context, batchID string, paused bool) (BatchRecord, error) {
	o.mu.Lock()
	b, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return BatchRecord{}, apperrors.BatchNotFound()
	}
	b.record.Paused = paused
	record := b.record
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveBatch(ctx, record); err != nil {
			o.log.WarnErr(ctx, "failed to persist batch", err)
		}
	}
	return record, nil
}

// Pause holds the batch's queued jobs. Jobs already transferring finish.
func (o *Orchestrator) Pause(ctx context.Context, batchID string) error {
	if _, err := o.setPaused(ctx, batchID, true); err != nil {
		return err
	}
	n := o.queue.PauseBatch(batchID)
	o.log.Info(apperrors.WithBatchID(ctx, batchID), "batch paused", logger.Fields{"held": n})
	return nil
}

// Resume releases the batch's held jobs.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) error {
	if _, err := o.setPaused(ctx, batchID, false); err != nil {
		return err
	}
	n := o.queue.ResumeBatch(batchID)
	o.log.Info(apperrors.WithBatchID(ctx, batchID), "batch resumed", logger.Fields{"released": n})
	return nil
}

// Cancel cancels every unfinished job of the batch. Running transfers stop
// at their next checkpoint. Cancelling a finished batch is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	if _, err := o.lookup(batchID); err != nil {
		return err
	}
	n := o.queue.CancelBatch(batchID)
	o.log.Info(apperrors.WithBatchID(ctx, batchID), "batch cancelled", logger.Fields{"jobs": n})
	return nil
}

// CancelJob cancels a single job.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	if err := o.queue.Cancel(jobID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return apperrors.JobNotFound()
		}
		return err
	}
	return nil
}

// Status returns the batch's progress including its jobs.
func (o *Orchestrator) Status(batchID string) (ProgressSnapshot, error) {
	if _, err := o.lookup(batchID); err != nil {
		return ProgressSnapshot{}, err
	}
	summary, _ := o.progress.BatchSummary(batchID)
	return summary, nil
}

// Job returns the current state of one job.
func (o *Orchestrator) Job(jobID string) (JobSnapshot, error) {
	job, ok := o.queue.Get(jobID)
	if !ok {
		return JobSnapshot{}, apperrors.JobNotFound()
	}
	return job.Snapshot(), nil
}

// Batches lists known batches, oldest first.
func (o *Orchestrator) Batches() []BatchInfo {
	o.mu.Lock()
	records := make([]BatchRecord, 0, len(o.batches))
	for _, b := range o.batches {
		records = append(records, b.record)
	}
	o.mu.Unlock()

	infos := make([]BatchInfo, 0, len(records))
	for _, r := range records {
		summary, _ := o.progress.BatchSummary(r.ID)
		summary.Jobs = nil
		infos = append(infos, BatchInfo{BatchRecord: r, Progress: summary})
	}
	slices.SortFunc(infos, func(a, b BatchInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return infos
}

// Wait blocks until every job of the batch is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (ProgressSnapshot, error) {
	b, err := o.lookup(batchID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	select {
	case <-b.done:
		return o.Status(batchID)
	case <-ctx.Done():
		summary, _ := o.progress.BatchSummary(batchID)
		return summary, ctx.Err()
	}
}

// Remove forgets a finished batch and deletes its persisted state.
func (o *Orchestrator) Remove(ctx context.Context, batchID string) error {
	b, err := o.lookup(batchID)
	if err != nil {
		return err
	}
	select {
	case <-b.done:
	default:
		return apperrors.Conflict("batch is still running")
	}

	o.mu.Lock()
	delete(o.batches, batchID)
	o.mu.Unlock()

	o.queue.Prune(batchID)
	o.progress.Forget(batchID)
	if o.store != nil {
		if err := o.store.DeleteBatch(ctx, batchID); err != nil {
			return apperrors.DatabaseError("failed to delete batch").WithCause(err)
		}
	}
	return nil
}

// Restore reloads persisted batches. Unfinished jobs are queued again and
// resume from their partial files once the pool runs.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	records, err := o.store.LoadBatches(ctx)
	if err != nil {
		return 0, apperrors.DatabaseError("failed to load batches").WithCause(err)
	}

	resumed := 0
	for _, record := range records {
		o.mu.Lock()
		_, exists := o.batches[record.ID]
		o.mu.Unlock()
		if exists {
			continue
		}

		snaps, err := o.store.LoadJobs(ctx, record.ID)
		if err != nil {
			return resumed, apperrors.DatabaseError("failed to load jobs").WithCause(err)
		}

		jobs := make([]*Job, 0, len(snaps))
		o.mu.Lock()
		for _, s := range snaps {
			job := NewJob(s)
			if !s.IsTerminal() {
				o.claimed[s.DestinationPath] = s.ID
				resumed++
			}
			jobs = append(jobs, job)
		}
		o.mu.Unlock()

		record.JobIDs = lo.Map(jobs, func(j *Job, _ int) string { return j.ID() })
		if err := o.register(ctx, record, jobs, true); err != nil {
			return resumed, err
		}
	}

	if resumed > 0 {
		o.log.Info(ctx, "restored unfinished jobs", logger.Fields{"jobs": resumed, "batches": len(records)})
	}
	return resumed, nil
}
