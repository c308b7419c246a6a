package api

import (
	"net/http"
	"strconv"

	"github.com/openmusicplayer/mediafetch/internal/db"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

type HistoryHandlers struct {
	history History
}

func NewHistoryHandlers(history History) *HistoryHandlers {
	return &HistoryHandlers{history: history}
}

// HistoryResponse wraps history listings
type HistoryResponse struct {
	Entries []db.HistoryEntry `json:"entries"`
	Total   int               `json:"total"`
}

// Recent handles GET /api/v1/history?limit=N
func (h *HistoryHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			apperrors.WriteError(w, requestID, apperrors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.DatabaseError("failed to load history").WithCause(err))
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusOK, HistoryResponse{Entries: entries, Total: len(entries)})
}

// ByBatch handles GET /api/v1/batches/{batch_id}/history
func (h *HistoryHandlers) ByBatch(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	entries, err := h.history.ListByBatch(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.DatabaseError("failed to load history").WithCause(err))
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusOK, HistoryResponse{Entries: entries, Total: len(entries)})
}

// Stats handles GET /api/v1/history/stats
func (h *HistoryHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	stats, err := h.history.Stats(r.Context())
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.DatabaseError("failed to load history stats").WithCause(err))
		return
	}
	apperrors.WriteJSON(w, requestID, http.StatusOK, stats)
}
