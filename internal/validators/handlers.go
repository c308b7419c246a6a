package validators

import (
	"net/http"

	"github.com/goccy/go-json"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

// Handlers provides HTTP handlers for input validation
type Handlers struct {
	registry *Registry
}

func NewHandlers(registry *Registry) *Handlers {
	if registry == nil {
		registry = defaultRegistry
	}
	return &Handlers{registry: registry}
}

// ValidateRequest is the request body for validation
type ValidateRequest struct {
	URL string `json:"url"`
}

// FormatsResponse lists the accepted input formats.
type FormatsResponse struct {
	Formats []string `json:"formats"`
}

// Validate handles POST /api/v1/validate
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("invalid JSON body"))
		return
	}
	h.respond(w, requestID, req.URL)
}

// ValidateQuery handles GET /api/v1/validate?url=...
func (h *Handlers) ValidateQuery(w http.ResponseWriter, r *http.Request) {
	h.respond(w, apperrors.GetRequestID(r.Context()), r.URL.Query().Get("url"))
}

func (h *Handlers) respond(w http.ResponseWriter, requestID, input string) {
	if input == "" {
		apperrors.WriteError(w, requestID, apperrors.ValidationError("url is required"))
		return
	}
	result := h.registry.Validate(input)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	apperrors.WriteJSON(w, requestID, status, result)
}

// Formats handles GET /api/v1/validate/formats
func (h *Handlers) Formats(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, FormatsResponse{Formats: h.registry.Formats()})
}
