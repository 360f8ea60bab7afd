package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/inbound"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Enqueuer hands a normalized event to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, event conversation.InboundEvent) (string, error)
}

// InboundWebhookHandler accepts normalized inbound events.
type InboundWebhookHandler struct {
	enqueuer Enqueuer
	logger   *logging.Logger
	now      func() time.Time
}

func NewInboundWebhookHandler(enqueuer Enqueuer, logger *logging.Logger) *InboundWebhookHandler {
	if enqueuer == nil {
		panic("handlers: enqueuer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &InboundWebhookHandler{enqueuer: enqueuer, logger: logger, now: time.Now}
}

type inboundResponse struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status"`
}

// Handle enqueues the event and acknowledges immediately. Redelivered
// webhooks get 200 so the transport stops retrying.
func (h *InboundWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var event conversation.InboundEvent
	if err := decodeJSON(w, r, &event); err != nil {
		jsonError(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	event.SenderID = strings.TrimSpace(event.SenderID)
	event.MessageID = strings.TrimSpace(event.MessageID)
	if event.SenderID == "" {
		jsonError(w, "sender_id is required", http.StatusBadRequest)
		return
	}
	if event.MessageID == "" {
		jsonError(w, "message_id is required", http.StatusBadRequest)
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = h.now().UTC()
	}

	runID, err := h.enqueuer.Enqueue(r.Context(), event)
	switch {
	case errors.Is(err, inbound.ErrRunExists):
		h.logger.Info("duplicate inbound webhook", "message_id", event.MessageID)
		writeJSON(w, http.StatusOK, inboundResponse{RunID: runID, Status: "duplicate"})
	case err != nil:
		h.logger.Error("failed to enqueue inbound event", "error", err, "message_id", event.MessageID)
		jsonError(w, "failed to enqueue", http.StatusServiceUnavailable)
	default:
		writeJSON(w, http.StatusAccepted, inboundResponse{RunID: runID, Status: "queued"})
	}
}
