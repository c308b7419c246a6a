// Package stream serves the files of finished jobs with Range support,
// falling back to the object storage mirror when the local copy is gone.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/storage"
)

// JobLookup finds a job by id.
type JobLookup interface {
	Job(jobID string) (download.JobSnapshot, error)
}

// ObjectSource opens mirrored assets.
type ObjectSource interface {
	OpenObject(ctx context.Context, key string) (*storage.Object, *storage.ObjectInfo, error)
}

// Handler handles file requests for finished jobs.
type Handler struct {
	jobs   JobLookup
	mirror ObjectSource // optional
	log    *logger.Logger
}

// NewHandler creates a new file handler. mirror may be nil.
func NewHandler(jobs JobLookup, mirror ObjectSource, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{jobs: jobs, mirror: mirror, log: log.WithComponent("stream")}
}

// ServeFile handles GET /api/v1/jobs/{job_id}/file
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := apperrors.GetRequestID(ctx)

	job, err := h.jobs.Job(r.PathValue("job_id"))
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	if job.Status != download.StatusDone {
		apperrors.WriteError(w, requestID, apperrors.Conflict("job has not finished"))
		return
	}

	w.Header().Set("Content-Type", storage.ContentType(job.Asset, job.DestinationPath))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(job.DestinationPath)+`"`)

	f, err := os.Open(job.DestinationPath)
	if err == nil {
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			apperrors.WriteError(w, requestID, apperrors.InternalError("failed to read file").WithCause(err))
			return
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}
	if !errors.Is(err, os.ErrNotExist) || h.mirror == nil {
		h.log.WarnErr(ctx, "file unavailable", err, logger.Fields{"job_id": job.ID})
		apperrors.WriteError(w, requestID, apperrors.NotFound("file"))
		return
	}

	key := storage.AssetKey(job)
	obj, info, err := h.mirror.OpenObject(ctx, key)
	if err != nil {
		h.log.WarnErr(ctx, "mirrored file unavailable", err, logger.Fields{"job_id": job.ID, "key": key})
		apperrors.WriteError(w, requestID, apperrors.NotFound("file"))
		return
	}
	defer obj.Close()

	if info.ETag != "" {
		w.Header().Set("ETag", `"`+info.ETag+`"`)
	}
	var modTime time.Time
	if job.CompletedAt != nil {
		modTime = *job.CompletedAt
	}
	http.ServeContent(w, r, filepath.Base(job.DestinationPath), modTime, io.ReadSeeker(obj))
}
