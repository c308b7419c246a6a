package websocket

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/openmusicplayer/mediafetch/internal/auth"
	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshotter provides the current state sent to a client on connect.
type Snapshotter interface {
	Summary() download.ProgressSnapshot
	BatchSummary(batchID string) (download.ProgressSnapshot, bool)
}

// Handler handles WebSocket connections.
type Handler struct {
	hub         *Hub
	authService *auth.Service
	progress    Snapshotter
	log         *logger.Logger
}

// NewHandler creates a new WebSocket handler. A nil authService accepts
// unauthenticated connections.
func NewHandler(hub *Hub, authService *auth.Service, progress Snapshotter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		hub:         hub,
		authService: authService,
		progress:    progress,
		log:         log.WithComponent("websocket"),
	}
}

// ServeWS upgrades the request and follows ?batch=<id>, or every batch when
// the parameter is absent. Browsers cannot set headers on websocket
// requests, so the token may be passed as ?token=<jwt>.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	if h.authService != nil {
		token := auth.BearerToken(r)
		if token == "" {
			apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing token parameter"))
			return
		}
		claims, err := h.authService.ValidateToken(token)
		if err != nil {
			if err == auth.ErrTokenExpired {
				apperrors.WriteError(w, requestID, apperrors.TokenExpired())
				return
			}
			apperrors.WriteError(w, requestID, apperrors.InvalidToken("invalid access token"))
			return
		}
		if !claims.HasScope(auth.ScopeRead) {
			apperrors.WriteError(w, requestID, apperrors.Forbidden("token lacks read scope"))
			return
		}
	}

	batchID := r.URL.Query().Get("batch")
	snapshot := &ProgressMessage{Type: MessageSnapshot, BatchID: batchID}
	if batchID != "" {
		summary, ok := h.progress.BatchSummary(batchID)
		if !ok {
			apperrors.WriteError(w, requestID, apperrors.BatchNotFound())
			return
		}
		snapshot.Batch = &summary
	} else {
		summary := h.progress.Summary()
		snapshot.Batch = &summary
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnErr(r.Context(), "websocket upgrade failed", err)
		return
	}

	client := NewClient(h.hub, conn, batchID)
	if payload, err := json.Marshal(snapshot); err == nil {
		client.send <- payload
	}
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// GetHub returns the hub instance for external access.
func (h *Handler) GetHub() *Hub {
	return h.hub
}
