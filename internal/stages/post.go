package stages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-agent/internal/capabilities"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/delay"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/outbound"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

func hasReply(pc *pipeline.Context) bool {
	return strings.TrimSpace(pc.Reply()) != ""
}

// OutputValidation screens the reply before anything else sees it. A blocked
// reply becomes empty, which suppresses the send.
type OutputValidation struct {
	baseStage
	validator *capabilities.OutputValidator
	gate      *capabilities.Gate
	publisher Publisher
	logger    *logging.Logger
}

func NewOutputValidation(validator *capabilities.OutputValidator, gate *capabilities.Gate, publisher Publisher, logger *logging.Logger) *OutputValidation {
	if gate == nil {
		gate = capabilities.DefaultGate()
	}
	if validator == nil {
		validator = capabilities.NewOutputValidator(gate)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OutputValidation{
		baseStage: baseStage{name: "output_validation", priority: PriorityOutputValidation},
		validator: validator,
		gate:      gate,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *OutputValidation) ShouldRun(pc *pipeline.Context) bool {
	return hasReply(pc)
}

func (s *OutputValidation) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	res := s.validator.Validate(s.gate.For(pc.Mode), pc.Reply())
	if res.Action == capabilities.ActionPass {
		return pipeline.Continue()
	}
	s.logger.Warn("generated reply rewritten", "conversation_id", pc.ConversationID(), "action", res.Action, "reasons", res.Reasons)
	if res.Blocked() {
		publish(ctx, s.publisher, events.Record{
			Kind:           events.KindOutputBlocked,
			ConversationID: pc.ConversationID(),
			Recipient:      pc.SenderID,
			Mode:           string(pc.Mode),
			ReasonCode:     strings.Join(res.Reasons, ","),
			Outcome:        res.Action,
		})
	}
	return pipeline.Continue().WithResponse(res.Text).WithMetadata(MetaValidation, res.Action)
}

// Humanize waits before the send so replies do not arrive instantly.
type Humanize struct {
	baseStage
	optional
	engine *delay.Engine
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
}

func NewHumanize(engine *delay.Engine) *Humanize {
	if engine == nil {
		engine = delay.New(delay.Config{})
	}
	return &Humanize{
		baseStage: baseStage{name: "humanize", priority: PriorityHumanize},
		engine:    engine,
		now:       time.Now,
		wait:      delay.Wait,
	}
}

func (s *Humanize) ShouldRun(pc *pipeline.Context) bool {
	return hasReply(pc)
}

func (s *Humanize) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	in := delay.Input{Method: string(outbound.MethodReply), Text: pc.Reply()}
	if pc.Event != nil {
		in.InboundProofAt = pc.Event.ReceivedAt
	}
	d := s.engine.ComputeDelay(s.engine.Classify(in), s.now().Sub(pc.StartedAt))
	if err := s.wait(ctx, d); err != nil {
		return pipeline.Fail(fmt.Errorf("stages: humanized wait: %w", err))
	}
	return pipeline.Continue().WithMetadata(MetaDelay, d.Milliseconds())
}

// Send delivers the reply through the outbound dispatcher.
type Send struct {
	baseStage
	sender Sender
}

func NewSend(sender Sender) *Send {
	if sender == nil {
		panic("stages: sender cannot be nil")
	}
	return &Send{baseStage: baseStage{name: "send", priority: PrioritySend}, sender: sender}
}

func (s *Send) ShouldRun(pc *pipeline.Context) bool {
	return hasReply(pc) && pc.SenderID != ""
}

func (s *Send) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	oc := replyContext(pc)
	res := s.sender.Send(ctx, oc, pc.Reply())
	pc.SetMeta(MetaSendOutcome, string(res.Outcome))
	if res.ProviderMessageID != "" {
		pc.SetMeta(MetaProviderMsgID, res.ProviderMessageID)
	}
	if res.Outcome.Failed() {
		err := res.Err
		if err == nil {
			err = errors.New(res.Reason)
		}
		return pipeline.Fail(fmt.Errorf("stages: send %s: %w", res.Outcome, err))
	}
	return pipeline.Continue()
}

func replyContext(pc *pipeline.Context) outbound.Context {
	actor := outbound.ActorAgent
	if pc.MetaBool(MetaFixedReply) || pc.MetaBool(pipeline.MetaCoreFailed) {
		actor = outbound.ActorSystem
	}
	method := outbound.MethodReply
	oc := outbound.Context{
		Recipient:      pc.SenderID,
		Actor:          actor,
		Method:         method,
		ConversationID: pc.ConversationID(),
		Mode:           string(pc.Mode),
	}
	if pc.Event != nil {
		oc.Channel = pc.Event.Channel
		proof := &outbound.InboundProof{InteractionID: pc.MetaString(MetaInteractionID), ReceivedAt: pc.Event.ReceivedAt}
		if proof.InteractionID == "" {
			proof.InteractionID = pc.Event.MessageID
		}
		if proof.ReceivedAt.IsZero() {
			proof.ReceivedAt = pc.StartedAt
		}
		oc.Proof = proof
	}
	return oc
}

// Persist records the delivered reply, appends the turn to history and applies
// a requested opt-out once its confirmation has been sent.
type Persist struct {
	baseStage
	repo      conversation.Repository
	history   conversation.HistoryStore
	publisher Publisher
}

func NewPersist(repo conversation.Repository, history conversation.HistoryStore, publisher Publisher) *Persist {
	if repo == nil {
		panic("stages: repository cannot be nil")
	}
	return &Persist{
		baseStage: baseStage{name: "persist", priority: PriorityPersist},
		repo:      repo,
		history:   history,
		publisher: publisher,
	}
}

func (s *Persist) ShouldRun(pc *pipeline.Context) bool {
	return pc.Conversation != nil
}

func (s *Persist) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	var errs []error
	delivered := pc.MetaString(MetaSendOutcome) == string(outbound.OutcomeSent)

	if delivered {
		_, err := s.repo.SaveInteraction(ctx, conversation.Interaction{
			ID:             uuid.NewString(),
			ConversationID: pc.Conversation.ID,
			MessageID:      pc.MetaString(MetaProviderMsgID),
			Direction:      conversation.DirectionOutbound,
			Body:           pc.Reply(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("save outbound interaction: %w", err))
		}
	}

	if s.history != nil && !pc.MetaBool(MetaOptOut) {
		var turn []conversation.ChatMessage
		if pc.Text != "" {
			turn = append(turn, conversation.ChatMessage{Role: conversation.ChatRoleUser, Content: pc.Text})
		}
		if delivered {
			turn = append(turn, conversation.ChatMessage{Role: conversation.ChatRoleAssistant, Content: pc.Reply()})
		}
		if err := s.history.Append(ctx, pc.Conversation.ID, turn...); err != nil {
			errs = append(errs, fmt.Errorf("append history: %w", err))
		}
	}

	if pc.MetaBool(MetaOptOut) {
		if err := s.repo.SetOptOut(ctx, pc.SenderID, true); err != nil {
			errs = append(errs, fmt.Errorf("apply opt-out: %w", err))
		} else {
			publish(ctx, s.publisher, events.Record{
				Kind:           events.KindOptOut,
				ConversationID: pc.Conversation.ID,
				Recipient:      pc.SenderID,
				Mode:           string(pc.Mode),
				ReasonCode:     "keyword",
				Outcome:        "opted_out",
				Data:           map[string]any{"confirmation_outcome": pc.MetaString(MetaSendOutcome)},
			})
		}
	}

	if len(errs) > 0 {
		return pipeline.Fail(fmt.Errorf("stages: persist: %w", errors.Join(errs...)))
	}
	return pipeline.Continue()
}

// Metrics publishes the run summary as a decision record.
type Metrics struct {
	baseStage
	optional
	publisher Publisher
	now       func() time.Time
}

func NewMetrics(publisher Publisher) *Metrics {
	return &Metrics{baseStage: baseStage{name: "metrics", priority: PriorityMetrics}, publisher: publisher, now: time.Now}
}

func (s *Metrics) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	data := map[string]any{
		"latency_ms": s.now().Sub(pc.StartedAt).Milliseconds(),
		"reply":      hasReply(pc),
	}
	for _, key := range []string{MetaProvider, MetaModeDecision, MetaValidation, MetaDelay, MetaToolCalls, MetaTimeout} {
		if v, ok := pc.Metadata[key]; ok {
			data[key] = v
		}
	}
	publish(ctx, s.publisher, events.Record{
		Kind:           events.KindPipelineResult,
		ConversationID: pc.ConversationID(),
		Recipient:      pc.SenderID,
		Mode:           string(pc.Mode),
		Outcome:        pc.MetaString(MetaSendOutcome),
		Data:           data,
	})
	return pipeline.Continue()
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// Extract stores side data found in the inbound text, currently an e-mail
// address.
type Extract struct {
	baseStage
	optional
	repo conversation.Repository
}

func NewExtract(repo conversation.Repository) *Extract {
	if repo == nil {
		panic("stages: repository cannot be nil")
	}
	return &Extract{baseStage: baseStage{name: "extract", priority: PriorityExtract}, repo: repo}
}

func (s *Extract) ShouldRun(pc *pipeline.Context) bool {
	return pc.Contact != nil && pc.Text != ""
}

func (s *Extract) Process(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	email := strings.ToLower(emailPattern.FindString(pc.Text))
	if email == "" || strings.EqualFold(email, pc.Contact.Email) {
		return pipeline.Continue()
	}
	if err := s.repo.UpdateContactEmail(ctx, pc.Contact.ID, email); err != nil {
		return pipeline.Fail(fmt.Errorf("stages: store email: %w", err))
	}
	pc.Contact.Email = email
	return pipeline.Continue().WithMetadata(MetaExtractedEmail, email)
}
