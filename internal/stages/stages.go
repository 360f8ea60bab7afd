// Package stages holds the concrete pipeline stages: pre-processors, the core
// generation step, post-processors, and the tool handlers exposed to the model.
package stages

import (
	"context"

	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/internal/outbound"
	"github.com/wolfman30/chat-agent/internal/pipeline"
)

// Stage priorities. Pre-processors and post-processors are ordered separately.
const (
	PriorityParse        = 0
	PriorityEntities     = 5
	PriorityOptOut       = 10
	PriorityHandoff      = 15
	PriorityMedia        = 20
	PriorityMode         = 30
	PriorityCapabilities = 40

	PriorityOutputValidation = 0
	PriorityHumanize         = 10
	PrioritySend             = 20
	PriorityPersist          = 30
	PriorityMetrics          = 40
	PriorityExtract          = 50
)

// Metadata keys shared between stages.
const (
	MetaMessageID      = "message_id"
	MetaInteractionID  = "inbound_interaction_id"
	MetaDuplicate      = "duplicate"
	MetaEmpty          = "empty_message"
	MetaFixedReply     = "fixed_reply"
	MetaOptOut         = "opt_out"
	MetaReactivated    = "reactivated"
	MetaHelp           = "help"
	MetaHandoff        = "handoff"
	MetaHandoffActive  = "handoff_active"
	MetaMedia          = "media_reply"
	MetaModeDecision   = "mode_decision"
	MetaTools          = "tools"
	MetaConstraints    = "constraints"
	MetaProvider       = "provider"
	MetaToolCalls      = "tool_calls"
	MetaTimeout        = "generation_timeout"
	MetaValidation     = "validation_action"
	MetaDelay          = "delay_ms"
	MetaSendOutcome    = "send_outcome"
	MetaProviderMsgID  = "provider_message_id"
	MetaExtractedEmail = "extracted_email"
)

// Publisher emits decision records. events.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, r events.Record)
}

// Sender is the outbound send path. outbound.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, oc outbound.Context, text string) outbound.SendResult
}

// Spawner runs supervised background work. tasks.Supervisor implements it.
type Spawner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// ModeRouter routes inbound text through the mode state machine.
type ModeRouter interface {
	Route(ctx context.Context, conversationID, text string) (modes.Outcome, error)
}

type baseStage struct {
	name     string
	priority int
}

func (b baseStage) Name() string  { return b.name }
func (b baseStage) Priority() int { return b.priority }

// optional marks a post-processor as skippable after an early reply.
type optional struct{}

func (optional) Essential() bool { return false }

func publish(ctx context.Context, p Publisher, r events.Record) {
	if p != nil {
		p.Publish(ctx, r)
	}
}

func fixedReply(text string) pipeline.Result {
	return pipeline.Reply(text).WithMetadata(MetaFixedReply, true)
}

type runKey struct{}

// withRun exposes the run context to tool handlers invoked during generation.
func withRun(ctx context.Context, pc *pipeline.Context) context.Context {
	return context.WithValue(ctx, runKey{}, pc)
}

func runFrom(ctx context.Context) (*pipeline.Context, bool) {
	pc, ok := ctx.Value(runKey{}).(*pipeline.Context)
	return pc, ok && pc != nil
}
