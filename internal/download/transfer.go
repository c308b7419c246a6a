package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/metrics"
	"github.com/openmusicplayer/mediafetch/internal/ratelimit"
)

const (
	// BlockSize is the unit of body reads; cancellation is checked between blocks.
	BlockSize = 32 * 1024

	DefaultStallTimeout = 30 * time.Second

	// PartSuffix marks an incomplete destination file.
	PartSuffix = ".part"
)

var errStalled = errors.New("transfer stalled")

// TransferConfig configures a Transfer.
type TransferConfig struct {
	Client       *http.Client
	Limiter      *ratelimit.Limiter
	Retry        *apperrors.RetryConfig
	StallTimeout time.Duration
	UserAgent    string
	Logger       *logger.Logger
	Metrics      *metrics.Metrics

	// OnProgress receives a snapshot whenever bytes land on disk.
	OnProgress func(JobSnapshot)
}

// Transfer fetches one job's asset to its destination with resume support.
// It is safe for concurrent use by several workers.
type Transfer struct {
	client     *http.Client
	limiter    *ratelimit.Limiter
	retry      apperrors.RetryConfig
	stall      time.Duration
	userAgent  string
	log        *logger.Logger
	metrics    *metrics.Metrics
	onProgress func(JobSnapshot)
}

// NewTransfer creates a Transfer.
func NewTransfer(cfg TransferConfig) *Transfer {
	client := cfg.Client
	if client == nil {
		// No overall timeout: large files are bounded by the stall watchdog.
		client = &http.Client{}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = apperrors.TransferRetryConfig()
	}
	stall := cfg.StallTimeout
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Transfer{
		client:     client,
		limiter:    cfg.Limiter,
		retry:      *retry,
		stall:      stall,
		userAgent:  cfg.UserAgent,
		log:        log.WithComponent("transfer"),
		metrics:    cfg.Metrics,
		onProgress: cfg.OnProgress,
	}
}

// Run transfers job's asset. It returns nil once the destination file is
// complete, or a typed error: cancellation, a fatal upstream or disk error,
// or RetriesExhausted after the retry budget is spent on transient errors.
// A failed run leaves the partial file for the next run to resume.
func (t *Transfer) Run(ctx context.Context, job *Job) error {
	snap := job.Snapshot()
	if len(snap.Asset.URLs) == 0 {
		return apperrors.InvalidResponse("asset has no urls")
	}

	dest := snap.DestinationPath
	part := dest + PartSuffix
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.DiskWrite(filepath.Dir(dest)).WithCause(err)
	}

	ctx = apperrors.WithJobID(apperrors.WithBatchID(ctx, snap.BatchID), snap.ID)

	retry := t.retry
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		if t.metrics != nil {
			t.metrics.IncRetries()
		}
		t.log.WarnErr(ctx, "transfer attempt failed, retrying", err, logger.Fields{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
			"bytes":   job.Snapshot().BytesCompleted,
		})
	}

	err := apperrors.Retry(ctx, &retry, func(ctx context.Context) error {
		job.incAttempts()
		return t.attempt(ctx, job, part)
	})
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Cancelled().WithCause(context.Cause(ctx))
		}
		if apperrors.IsRetryableError(err) {
			return apperrors.RetriesExhausted(job.Snapshot().Attempts).WithCause(err)
		}
		return err
	}

	if ctx.Err() != nil {
		return apperrors.Cancelled().WithCause(context.Cause(ctx))
	}
	if err := os.Rename(part, dest); err != nil {
		return apperrors.DiskWrite(dest).WithCause(err)
	}
	if err := removeSegmentIndex(part); err != nil {
		t.log.WarnErr(ctx, "failed to remove segment index", err)
	}
	return nil
}

// attempt writes every remaining segment to the partial file.
func (t *Transfer) attempt(ctx context.Context, job *Job, part string) error {
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.DiskWrite(part).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperrors.DiskWrite(part).WithCause(err)
	}
	size := info.Size()

	snap := job.Snapshot()
	urls := snap.Asset.URLs
	segmented := len(urls) > 1

	// The index beside the partial file is written after every finished
	// segment, so bytes past its offset are a prefix of the next segment.
	// Progress known only from the job snapshot gives no such guarantee.
	start, base := snap.SegmentsDone, snap.SegmentOffset
	indexed := false
	if segmented {
		if idx, ok := loadSegmentIndex(part, len(urls)); ok && idx.Done >= start {
			start, base, indexed = idx.Done, idx.Offset, true
		}
	}

	if size < base || start > len(urls) {
		// The partial file is shorter than recorded progress; start over.
		if err := f.Truncate(0); err != nil {
			return apperrors.DiskWrite(part).WithCause(err)
		}
		if err := removeSegmentIndex(part); err != nil {
			return apperrors.DiskWrite(part + IndexSuffix).WithCause(err)
		}
		start, base, size = 0, 0, 0
	} else if segmented && size > base && (!indexed || start == len(urls)) {
		if err := f.Truncate(base); err != nil {
			return apperrors.DiskWrite(part).WithCause(err)
		}
		size = base
	}
	job.restoreSegments(start, base)
	job.advance(size)

	for i := start; i < len(urls); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		written, err := t.fetchSegment(ctx, job, f, urls[i], size-base, size, !segmented)
		size += written
		if err != nil {
			return err
		}
		job.segmentDone(i, size)
		if segmented {
			idx := segmentIndex{Segments: len(urls), Done: i + 1, Offset: size}
			if err := saveSegmentIndex(part, idx); err != nil {
				return apperrors.DiskWrite(part + IndexSuffix).WithCause(err)
			}
		}
		if t.onProgress != nil {
			t.onProgress(job.Snapshot())
		}
		base = size
	}

	if err := f.Sync(); err != nil {
		return apperrors.DiskWrite(part).WithCause(err)
	}
	return nil
}

// fetchSegment appends one URL's body to f, starting at offset within that
// resource. fileSize is the partial file's size before the call. It returns
// the number of bytes written.
func (t *Transfer) fetchSegment(ctx context.Context, job *Job, f *os.File, url string, offset, fileSize int64, single bool) (int64, error) {
	if err := t.limiter.Acquire(ctx); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(t.stall, func() { cancel(errStalled) })
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, apperrors.InvalidResponse("invalid asset url").WithCause(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, t.networkError(ctx, err)
	}
	defer resp.Body.Close()

	skip := int64(0)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		rangeStart, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || rangeStart > offset {
			return 0, apperrors.InvalidResponse(fmt.Sprintf("unexpected content range %q", resp.Header.Get("Content-Range")))
		}
		skip = offset - rangeStart
		if single && total > 0 {
			job.setTotal(total)
		}
	case http.StatusOK:
		// Range ignored: drop the prefix already on disk.
		skip = offset
		if single && resp.ContentLength > 0 {
			if resp.ContentLength < offset {
				return 0, apperrors.InvalidResponse("partial file is larger than the remote asset")
			}
			job.setTotal(resp.ContentLength)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		total, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range"))
		if ok && total == offset {
			if single {
				job.setTotal(total)
			}
			return 0, nil
		}
		return 0, apperrors.InvalidResponse(fmt.Sprintf("range not satisfiable at offset %d", offset))
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if appErr := apperrors.ClassifyHTTPStatus(resp.StatusCode, job.ID()); appErr != nil {
			return 0, appErr
		}
		return 0, apperrors.InvalidResponse(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	buf := make([]byte, BlockSize)
	for discard := skip; discard > 0; {
		if err := ctx.Err(); err != nil {
			return 0, t.readError(ctx, err)
		}
		n, rerr := resp.Body.Read(buf[:min(discard, BlockSize)])
		if n > 0 {
			watchdog.Reset(t.stall)
			discard -= int64(n)
		}
		if rerr == io.EOF && discard > 0 {
			rerr = io.ErrUnexpectedEOF
		}
		if rerr != nil && rerr != io.EOF {
			return 0, t.readError(ctx, rerr)
		}
	}

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, t.readError(ctx, err)
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(t.stall)
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, apperrors.DiskWrite(f.Name()).WithCause(werr)
			}
			written += int64(n)
			if t.metrics != nil {
				t.metrics.AddBytes(int64(n))
			}
			if snap, ok := job.advance(fileSize + written); ok && t.onProgress != nil {
				t.onProgress(snap)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, t.readError(ctx, rerr)
		}
	}

	if resp.ContentLength > 0 && written+skip < resp.ContentLength {
		return written, apperrors.Transient("response body ended early").WithCause(io.ErrUnexpectedEOF)
	}
	return written, nil
}

// networkError classifies a failed request.
func (t *Transfer) networkError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return apperrors.Transient("no response before stall timeout").WithCause(errStalled)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.Transient("request failed").WithCause(err)
}

// readError classifies a failure while reading the body.
func (t *Transfer) readError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return apperrors.Transient(fmt.Sprintf("no data for %s", t.stall)).WithCause(errStalled)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.Transient("connection lost mid-transfer").WithCause(err)
}

// parseContentRange parses "bytes start-end/total"; total is -1 when "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

// parseUnsatisfiedRange parses the "bytes */total" form sent with 416.
func parseUnsatisfiedRange(h string) (int64, bool) {
	size, found := strings.CutPrefix(strings.TrimSpace(h), "bytes */")
	if !found {
		return 0, false
	}
	total, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
