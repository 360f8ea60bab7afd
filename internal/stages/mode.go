package stages

import (
	"context"

	"github.com/wolfman30/chat-agent/internal/capabilities"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Mode routes the inbound text through the mode state machine. Routing
// failures keep the persisted mode rather than failing the run.
type Mode struct {
	baseStage
	router    ModeRouter
	repo      conversation.Repository
	publisher Publisher
	logger    *logging.Logger
}

func NewMode(router ModeRouter, repo conversation.Repository, publisher Publisher, logger *logging.Logger) *Mode {
	if router == nil {
		panic("stages: mode router cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Mode{
		baseStage: baseStage{name: "mode", priority: PriorityMode},
		router:    router,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *Mode) ShouldRun(pc *pipeline.Context) bool {
	return pc.Conversation != nil
}

func (s *Mode) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	out, err := s.router.Route(ctx, pc.Conversation.ID, pc.Text)
	if err != nil {
		s.logger.Warn("mode routing failed, keeping stored mode", "conversation_id", pc.Conversation.ID, "mode", pc.Mode, "error", err)
		return pipeline.Continue()
	}
	pc.Mode = out.Info.Mode

	if out.Expired != nil {
		publish(ctx, s.publisher, events.Record{
			Kind:           events.KindModeDecision,
			ConversationID: pc.Conversation.ID,
			Recipient:      pc.SenderID,
			Mode:           string(out.Previous.Mode),
			ReasonCode:     out.Expired.Reason,
			Outcome:        string(out.Expired.Decision),
			Data: map[string]any{
				"intent": string(out.Intent),
				"from":   string(out.Previous.Mode),
				"to":     string(out.Expired.Target),
			},
		})
	}

	decision := string(out.Verdict.Decision)
	data := map[string]any{
		"intent": string(out.Intent),
		"from":   string(out.Previous.Mode),
		"to":     string(out.Verdict.Target),
	}
	if out.Info.Pending != nil {
		data["pending"] = string(*out.Info.Pending)
	}
	publish(ctx, s.publisher, events.Record{
		Kind:           events.KindModeDecision,
		ConversationID: pc.Conversation.ID,
		Recipient:      pc.SenderID,
		Mode:           string(out.Info.Mode),
		ReasonCode:     out.Verdict.Reason,
		Outcome:        decision,
		Data:           data,
	})

	if out.Changed() && s.repo != nil {
		if err := s.repo.UpdateMode(ctx, pc.Conversation.ID, string(out.Info.Mode)); err != nil {
			s.logger.Warn("failed to mirror mode", "conversation_id", pc.Conversation.ID, "mode", out.Info.Mode, "error", err)
		} else {
			pc.Conversation.Mode = string(out.Info.Mode)
		}
	}
	return pipeline.Continue().WithMetadata(MetaModeDecision, decision)
}

// Capabilities resolves the tools and prompt constraints for the current mode.
type Capabilities struct {
	baseStage
	gate     *capabilities.Gate
	registry *capabilities.Registry
}

func NewCapabilities(gate *capabilities.Gate, registry *capabilities.Registry) *Capabilities {
	if gate == nil {
		gate = capabilities.DefaultGate()
	}
	return &Capabilities{
		baseStage: baseStage{name: "capabilities", priority: PriorityCapabilities},
		gate:      gate,
		registry:  registry,
	}
}

func (s *Capabilities) Process(_ context.Context, pc *pipeline.Context) pipeline.Result {
	view := s.gate.For(pc.Mode)
	return pipeline.Continue().
		WithMetadata(MetaTools, view.FilterTools(s.registry.Tools())).
		WithMetadata(MetaConstraints, view.ConstraintsText())
}

func toolsFrom(pc *pipeline.Context) ([]capabilities.Tool, bool) {
	tools, ok := pc.Metadata[MetaTools].([]capabilities.Tool)
	return tools, ok
}
