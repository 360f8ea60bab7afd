package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/chat-agent/internal/compliance"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/tasks"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// AuditQuerier reads decision records. compliance.AuditTrail implements it.
type AuditQuerier interface {
	Query(ctx context.Context, filter compliance.AuditFilter) ([]events.Record, error)
}

// TaskHealth exposes background task failure counters.
type TaskHealth interface {
	SortedFailures() []tasks.FailureCount
}

// AdminOpsHandler serves the read-only operator views.
type AdminOpsHandler struct {
	audit  AuditQuerier
	tasks  TaskHealth
	logger *logging.Logger
}

func NewAdminOpsHandler(audit AuditQuerier, taskHealth TaskHealth, logger *logging.Logger) *AdminOpsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminOpsHandler{audit: audit, tasks: taskHealth, logger: logger}
}

// Audit handles GET /admin/audit.
func (h *AdminOpsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		jsonError(w, "audit trail not configured", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	filter := compliance.AuditFilter{
		ConversationID: q.Get("conversation_id"),
		Recipient:      q.Get("recipient"),
		Kind:           events.Kind(q.Get("kind")),
		Outcome:        q.Get("outcome"),
		Limit:          50,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}

	records, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to query audit trail", "error", err)
		jsonError(w, "failed to query audit trail", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// Tasks handles GET /admin/tasks.
func (h *AdminOpsHandler) Tasks(w http.ResponseWriter, _ *http.Request) {
	failures := []tasks.FailureCount{}
	if h.tasks != nil {
		failures = h.tasks.SortedFailures()
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}
