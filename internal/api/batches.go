package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openmusicplayer/mediafetch/internal/catalog"
	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/validators"
)

const maxRequestBody = 1 << 16

type BatchHandlers struct {
	pipeline Pipeline
	links    *validators.Registry
}

func NewBatchHandlers(pipeline Pipeline, links *validators.Registry) *BatchHandlers {
	return &BatchHandlers{pipeline: pipeline, links: links}
}

// CreateBatchRequest is the body of POST /api/v1/batches
type CreateBatchRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// URL is a share link or "type/id"; it replaces Type and ID when set.
	URL string `json:"url,omitempty"`
}

// CreateBatchResponse is returned for an accepted batch
type CreateBatchResponse struct {
	BatchID   string `json:"batch_id"`
	StatusURL string `json:"status_url"`
}

// BatchListResponse wraps GET /api/v1/batches
type BatchListResponse struct {
	Batches []download.BatchInfo `json:"batches"`
	Total   int                  `json:"total"`
}

// ActionResponse acknowledges pause, resume and cancel requests
type ActionResponse struct {
	BatchID string `json:"batch_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Action  string `json:"action"`
}

// CreateBatch handles POST /api/v1/batches
func (h *BatchHandlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	var req CreateBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("invalid request body"))
		return
	}

	if req.URL != "" {
		result := h.links.Validate(req.URL)
		if !result.Valid {
			apperrors.WriteError(w, requestID, apperrors.ValidationError(result.Error))
			return
		}
		req.Type, req.ID = string(result.MediaType), result.MediaID
	}

	mediaType, err := catalog.ParseMediaType(req.Type)
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.UnsupportedMedia(req.Type))
		return
	}

	batchID, err := h.pipeline.Submit(r.Context(), download.Request{
		Type:  mediaType,
		ID:    strings.TrimSpace(req.ID),
		Title: req.Title,
	})
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	w.Header().Set("Location", "/api/v1/batches/"+batchID)
	apperrors.WriteJSON(w, requestID, http.StatusAccepted, CreateBatchResponse{
		BatchID:   batchID,
		StatusURL: "/api/v1/batches/" + batchID,
	})
}

// ListBatches handles GET /api/v1/batches
func (h *BatchHandlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches := h.pipeline.Batches()
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, BatchListResponse{
		Batches: batches,
		Total:   len(batches),
	})
}

// GetBatch handles GET /api/v1/batches/{batch_id}
func (h *BatchHandlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	status, err := h.pipeline.Status(r.PathValue("batch_id"))
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusOK, status)
}

// RemoveBatch handles DELETE /api/v1/batches/{batch_id}
func (h *BatchHandlers) RemoveBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Remove(r.Context(), r.PathValue("batch_id")); err != nil {
		apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BatchHandlers) PauseBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "pause", h.pipeline.Pause)
}

func (h *BatchHandlers) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "resume", h.pipeline.Resume)
}

func (h *BatchHandlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "cancel", h.pipeline.Cancel)
}

func (h *BatchHandlers) batchAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id string) error) {
	requestID := apperrors.GetRequestID(r.Context())
	batchID := r.PathValue("batch_id")

	if err := fn(apperrors.WithBatchID(r.Context(), batchID), batchID); err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusAccepted, ActionResponse{BatchID: batchID, Action: action})
}

// GetJob handles GET /api/v1/jobs/{job_id}
func (h *BatchHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	job, err := h.pipeline.Job(r.PathValue("job_id"))
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusOK, job)
}

// CancelJob handles POST /api/v1/jobs/{job_id}/cancel
func (h *BatchHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())
	jobID := r.PathValue("job_id")

	if err := h.pipeline.CancelJob(apperrors.WithJobID(r.Context(), jobID), jobID); err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusAccepted, ActionResponse{JobID: jobID, Action: "cancel"})
}
