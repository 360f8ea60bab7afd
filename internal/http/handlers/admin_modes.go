package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// ModeController reads and overrides conversation modes. modes.Router
// implements it.
type ModeController interface {
	Snapshot(ctx context.Context, conversationID string) (modes.Info, error)
	SetMode(ctx context.Context, conversationID string, mode modes.Mode, source modes.Source, reason string) (modes.Info, error)
}

type AdminModesHandler struct {
	modes  ModeController
	logger *logging.Logger
}

func NewAdminModesHandler(controller ModeController, logger *logging.Logger) *AdminModesHandler {
	if controller == nil {
		panic("handlers: mode controller cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminModesHandler{modes: controller, logger: logger}
}

type setModeRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

type modeResponse struct {
	ConversationID string     `json:"conversation_id"`
	Info           modes.Info `json:"info"`
}

// Get handles GET /admin/conversations/{conversationID}/mode.
func (h *AdminModesHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		jsonError(w, "conversation id required", http.StatusBadRequest)
		return
	}
	info, err := h.modes.Snapshot(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to read mode", "error", err, "conversation_id", conversationID)
		jsonError(w, "failed to read mode", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{ConversationID: conversationID, Info: info})
}

// Set handles PUT /admin/conversations/{conversationID}/mode.
func (h *AdminModesHandler) Set(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		jsonError(w, "conversation id required", http.StatusBadRequest)
		return
	}
	var req setModeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	mode, err := modes.Parse(req.Mode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator override"
	}
	info, err := h.modes.SetMode(r.Context(), conversationID, mode, modes.SourceManual, reason)
	if err != nil {
		h.logger.Error("failed to set mode", "error", err, "conversation_id", conversationID)
		jsonError(w, "failed to set mode", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{ConversationID: conversationID, Info: info})
}
