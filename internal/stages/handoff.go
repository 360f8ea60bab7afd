package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/internal/notify"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// DefaultHandoffKeywords are matched as whole phrases against normalized text.
var DefaultHandoffKeywords = []string{
	"atendente", "humano", "falar com alguem", "falar com uma pessoa", "pessoa de verdade",
	"falar com a equipe", "human", "real person", "talk to someone",
}

// HandoffNotifier alerts operators. notify.HandoffNotifier implements it.
type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, h notify.Handoff) error
}

// Handoffs flags a conversation for a human and alerts operators. It backs
// both the Handoff stage and the request_handoff tool.
type Handoffs struct {
	repo      conversation.Repository
	notifier  HandoffNotifier
	spawner   Spawner
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
}

func NewHandoffs(repo conversation.Repository, notifier HandoffNotifier, spawner Spawner, publisher Publisher, logger *logging.Logger) *Handoffs {
	if repo == nil {
		panic("stages: repository cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handoffs{repo: repo, notifier: notifier, spawner: spawner, publisher: publisher, logger: logger, now: time.Now}
}

// Start hands pc's conversation to a human. Operator notification runs in the
// background.
func (h *Handoffs) Start(ctx context.Context, pc *pipeline.Context, reason string) error {
	if pc.Conversation == nil {
		return fmt.Errorf("stages: handoff without conversation")
	}
	if err := h.repo.SetHandoff(ctx, pc.Conversation.ID, true); err != nil {
		return fmt.Errorf("stages: set handoff: %w", err)
	}
	pc.Conversation.HandoffActive = true
	pc.SetMeta(MetaHandoff, true)

	publish(ctx, h.publisher, events.Record{
		Kind:           events.KindHandoff,
		ConversationID: pc.Conversation.ID,
		Recipient:      pc.SenderID,
		Mode:           string(pc.Mode),
		ReasonCode:     reason,
		Outcome:        "requested",
	})
	h.logger.Info("conversation handed off", "conversation_id", pc.Conversation.ID, "reason", reason)

	if h.notifier == nil {
		return nil
	}
	req := notify.Handoff{
		ConversationID: pc.Conversation.ID,
		SenderID:       pc.SenderID,
		Mode:           string(pc.Mode),
		Reason:         reason,
		LastMessage:    pc.Text,
		RequestedAt:    h.now().UTC(),
	}
	if pc.Contact != nil {
		req.SenderName = pc.Contact.Name
	}
	notifyFn := func(ctx context.Context) error { return h.notifier.NotifyHandoff(ctx, req) }
	if h.spawner == nil {
		if err := notifyFn(ctx); err != nil {
			h.logger.Warn("handoff notification failed", "conversation_id", req.ConversationID, "error", err)
		}
		return nil
	}
	h.spawner.Go(ctx, "notify_handoff", notifyFn)
	return nil
}

// Handoff ends the run silently while a human owns the conversation and starts
// a handoff when the sender asks for a person.
type Handoff struct {
	baseStage
	handoffs *Handoffs
	keywords []string
	ack      string
}

func NewHandoff(handoffs *Handoffs, keywords []string, ack string) *Handoff {
	if handoffs == nil {
		panic("stages: handoffs cannot be nil")
	}
	if len(keywords) == 0 {
		keywords = DefaultHandoffKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = modes.Normalize(k); k != "" {
			normalized = append(normalized, k)
		}
	}
	if ack == "" {
		ack = "Certo! Vou chamar alguém da equipe para falar com você."
	}
	return &Handoff{
		baseStage: baseStage{name: "handoff", priority: PriorityHandoff},
		handoffs:  handoffs,
		keywords:  normalized,
		ack:       ack,
	}
}

func (s *Handoff) ShouldRun(pc *pipeline.Context) bool {
	return pc.Conversation != nil
}

func (s *Handoff) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	if pc.Conversation.HandoffActive {
		return pipeline.Stop(nil).WithMetadata(MetaHandoffActive, true)
	}
	if !s.requested(pc.Text) {
		return pipeline.Continue()
	}
	if err := s.handoffs.Start(ctx, pc, "customer_request"); err != nil {
		return pipeline.Fail(err)
	}
	return fixedReply(s.ack).WithMetadata(MetaHandoff, true)
}

func (s *Handoff) requested(text string) bool {
	norm := " " + modes.Normalize(text) + " "
	for _, k := range s.keywords {
		if strings.Contains(norm, " "+k+" ") {
			return true
		}
	}
	return false
}
