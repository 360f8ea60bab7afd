// Package events carries decision records: one structured record per terminal
// outcome, enough to rebuild a decision trail without replaying logs.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a record.
type Kind string

const (
	KindSendOutcome    Kind = "send_outcome"
	KindBypass         Kind = "bypass"
	KindGuardrailBlock Kind = "guardrail_block"
	KindModeDecision   Kind = "mode_decision"
	KindPipelineResult Kind = "pipeline_result"
	KindOutputBlocked  Kind = "output_blocked"
	KindHandoff        Kind = "handoff"
	KindOptOut         Kind = "opt_out"
	KindInterest       Kind = "interest"
	KindFollowup       Kind = "followup_scheduled"
)

// Record is a single decision.
type Record struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	ReasonCode     string         `json:"reason_code,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Normalize fills the ID and timestamp when missing.
func (r Record) Normalize() Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

// RoutingKey is the AMQP topic for the record, e.g. "decision.send_outcome.SENT".
func (r Record) RoutingKey() string {
	key := "decision." + string(r.Kind)
	if r.Outcome != "" {
		key += "." + r.Outcome
	}
	return key
}

// Sink receives records synchronously.
type Sink interface {
	Emit(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Emit(ctx context.Context, r Record) error { return f(ctx, r) }
