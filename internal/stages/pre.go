package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-agent/internal/compliance"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Parse validates the normalized event and fills sender and text.
type Parse struct {
	baseStage
}

func NewParse() *Parse {
	return &Parse{baseStage{name: "parse", priority: PriorityParse}}
}

func (s *Parse) Process(_ context.Context, pc *pipeline.Context) pipeline.Result {
	if pc.Event == nil {
		return pipeline.Fail(pipeline.ErrUnparsableInput)
	}
	sender := strings.TrimSpace(pc.Event.SenderID)
	if sender == "" {
		return pipeline.Fail(fmt.Errorf("%w: missing sender id", pipeline.ErrUnparsableInput))
	}
	pc.SenderID = sender
	pc.Text = pc.Event.Body()
	pc.SetMeta(MetaMessageID, pc.Event.MessageID)
	if pc.Text == "" && !pc.Event.HasMedia() {
		return pipeline.Stop(nil).WithMetadata(MetaEmpty, true)
	}
	return pipeline.Continue()
}

// Entities resolves the contact and conversation and stores the inbound
// interaction. A redelivered message id ends the run silently.
type Entities struct {
	baseStage
	repo conversation.Repository
}

func NewEntities(repo conversation.Repository) *Entities {
	if repo == nil {
		panic("stages: repository cannot be nil")
	}
	return &Entities{baseStage: baseStage{name: "entities", priority: PriorityEntities}, repo: repo}
}

func (s *Entities) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	contact, err := s.repo.FindOrCreateContact(ctx, pc.SenderID, pc.Event.SenderName)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("stages: resolve contact: %w", err))
	}
	conv, err := s.repo.FindOrCreateConversation(ctx, contact.ID)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("stages: resolve conversation: %w", err))
	}
	pc.Contact = &contact
	pc.Conversation = &conv
	pc.SetMeta(pipeline.MetaConversationID, conv.ID)
	if m, err := modes.Parse(conv.Mode); err == nil {
		pc.Mode = m
	}

	body := pc.Text
	if body == "" {
		body = "[" + pc.Event.MediaType + "]"
	}
	in := conversation.Interaction{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		MessageID:      pc.Event.MessageID,
		Direction:      conversation.DirectionInbound,
		Body:           body,
		MediaType:      pc.Event.MediaType,
		CreatedAt:      pc.Event.ReceivedAt,
	}
	stored, err := s.repo.SaveInteraction(ctx, in)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("stages: save inbound interaction: %w", err))
	}
	if !stored {
		return pipeline.Stop(nil).WithMetadata(MetaDuplicate, true)
	}
	return pipeline.Continue().WithMetadata(MetaInteractionID, in.ID)
}

// OptOut answers opt-out and help keywords with fixed replies and reactivates
// opted-out senders who write again. The opt-out itself is applied after the
// confirmation is delivered.
type OptOut struct {
	baseStage
	detector     *compliance.Detector
	repo         conversation.Repository
	publisher    Publisher
	logger       *logging.Logger
	confirmation string
	help         string
}

// OptOutConfig holds the fixed replies. An empty Help disables help replies.
type OptOutConfig struct {
	Confirmation string
	Help         string
}

func NewOptOut(detector *compliance.Detector, repo conversation.Repository, publisher Publisher, cfg OptOutConfig, logger *logging.Logger) *OptOut {
	if detector == nil {
		detector = compliance.NewDetector(nil, nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Confirmation == "" {
		cfg.Confirmation = "Tudo certo, você não receberá mais mensagens."
	}
	return &OptOut{
		baseStage:    baseStage{name: "opt_out", priority: PriorityOptOut},
		detector:     detector,
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		confirmation: cfg.Confirmation,
		help:         cfg.Help,
	}
}

func (s *OptOut) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	if s.detector.IsOptOut(pc.Text) {
		return fixedReply(s.confirmation).WithMetadata(MetaOptOut, true)
	}

	reactivated := false
	if pc.Contact != nil && pc.Contact.OptedOut && s.repo != nil {
		if err := s.repo.SetOptOut(ctx, pc.SenderID, false); err != nil {
			s.logger.Warn("failed to reactivate opted-out contact", "sender_id", pc.SenderID, "error", err)
		} else {
			reactivated = true
			pc.Contact.OptedOut = false
			pc.Contact.OptedOutAt = nil
			publish(ctx, s.publisher, events.Record{
				Kind:           events.KindOptOut,
				ConversationID: pc.ConversationID(),
				Recipient:      pc.SenderID,
				Mode:           string(pc.Mode),
				ReasonCode:     "inbound_message",
				Outcome:        "reactivated",
			})
		}
	}

	res := pipeline.Continue()
	if s.help != "" && s.detector.IsHelp(pc.Text) {
		res = fixedReply(s.help).WithMetadata(MetaHelp, true)
	}
	if reactivated {
		res = res.WithMetadata(MetaReactivated, true)
	}
	return res
}

// Media auto-replies to non-text messages without a caption.
type Media struct {
	baseStage
	reply string
}

func NewMedia(reply string) *Media {
	if reply == "" {
		reply = "Por aqui consigo ler apenas texto, pode me escrever?"
	}
	return &Media{baseStage: baseStage{name: "media", priority: PriorityMedia}, reply: reply}
}

func (s *Media) ShouldRun(pc *pipeline.Context) bool {
	return pc.Event.HasMedia() && pc.Text == ""
}

func (s *Media) Process(context.Context, *pipeline.Context) pipeline.Result {
	return fixedReply(s.reply).WithMetadata(MetaMedia, true)
}
