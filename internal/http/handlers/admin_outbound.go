package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	httpmiddleware "github.com/wolfman30/chat-agent/internal/http/middleware"
	"github.com/wolfman30/chat-agent/internal/outbound"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// OutboundSender is the single send path. outbound.Dispatcher implements it.
type OutboundSender interface {
	Send(ctx context.Context, oc outbound.Context, text string) outbound.SendResult
}

// AdminOutboundHandler lets operators send messages through the guardrails.
type AdminOutboundHandler struct {
	sender OutboundSender
	logger *logging.Logger
}

func NewAdminOutboundHandler(sender OutboundSender, logger *logging.Logger) *AdminOutboundHandler {
	if sender == nil {
		panic("handlers: outbound sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminOutboundHandler{sender: sender, logger: logger}
}

// SendRequest is the body of POST /admin/outbound/send.
type SendRequest struct {
	Recipient      string `json:"recipient"`
	Text           string `json:"text"`
	Method         string `json:"method,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Proactive      *bool  `json:"proactive,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	BypassReason   string `json:"bypass_reason,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// SendResponse reports the outcome of one send.
type SendResponse struct {
	Outcome           outbound.Outcome `json:"outcome"`
	Reason            string           `json:"reason,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	DedupKey          string           `json:"dedup_key,omitempty"`
	Bypassed          bool             `json:"bypassed,omitempty"`
	RetryAt           *time.Time       `json:"retry_at,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// Context builds the outbound context for an operator send. Operator sends
// are human-initiated and proactive unless stated otherwise.
func (req SendRequest) Context() outbound.Context {
	method := outbound.Method(strings.ToLower(strings.TrimSpace(req.Method)))
	if method == "" {
		method = outbound.MethodManual
	}
	proactive := true
	if req.Proactive != nil {
		proactive = *req.Proactive
	}
	return outbound.Context{
		Recipient:      strings.TrimSpace(req.Recipient),
		Actor:          outbound.ActorHuman,
		Channel:        req.Channel,
		Method:         method,
		Proactive:      proactive,
		BypassReason:   strings.TrimSpace(req.BypassReason),
		ConversationID: req.ConversationID,
		CampaignID:     req.CampaignID,
		Mode:           req.Mode,
	}
}

// NewSendResponse converts a dispatcher result to its JSON form.
func NewSendResponse(res outbound.SendResult) SendResponse {
	out := SendResponse{
		Outcome:           res.Outcome,
		Reason:            res.Reason,
		ProviderMessageID: res.ProviderMessageID,
		DedupKey:          res.DedupKey,
		Bypassed:          res.Bypassed,
	}
	if !res.RetryAt.IsZero() {
		retry := res.RetryAt
		out.RetryAt = &retry
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// Send handles POST /admin/outbound/send.
func (h *AdminOutboundHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	oc := req.Context()
	operator := ""
	if claims, ok := httpmiddleware.AdminClaimsFromContext(r.Context()); ok {
		operator = claims.Subject
	}
	res := h.sender.Send(r.Context(), oc, req.Text)
	h.logger.Info("operator send",
		"operator", operator,
		"recipient", oc.Recipient,
		"method", oc.Method,
		"outcome", res.Outcome,
		"bypassed", res.Bypassed,
	)
	writeJSON(w, sendStatus(res.Outcome), NewSendResponse(res))
}

func sendStatus(o outbound.Outcome) int {
	switch {
	case o == outbound.OutcomeSent, o == outbound.OutcomeBypass:
		return http.StatusOK
	case o == outbound.OutcomeDeduped:
		return http.StatusOK
	case o == outbound.OutcomeBlockedInvalidContext, o == outbound.OutcomeFailedValidation:
		return http.StatusUnprocessableEntity
	case o == outbound.OutcomeBlockedRateLimited:
		return http.StatusTooManyRequests
	case o.Blocked():
		return http.StatusConflict
	case o == outbound.OutcomeFailedDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
