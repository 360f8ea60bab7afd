// Package outbound is the single send path: every message leaving the system
// goes through Dispatcher.Send and produces exactly one Outcome.
package outbound

import (
	"errors"
	"strings"
	"time"
)

// Actor is who initiated a send.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAgent  Actor = "agent"
	ActorHuman  Actor = "human"
)

// Method is how a send came about.
type Method string

const (
	MethodReply    Method = "reply"
	MethodCampaign Method = "campaign"
	MethodFollowup Method = "followup"
	MethodManual   Method = "manual"
	MethodHandoff  Method = "handoff"
)

func (m Method) valid() bool {
	switch m {
	case MethodReply, MethodCampaign, MethodFollowup, MethodManual, MethodHandoff:
		return true
	}
	return false
}

// InboundProof ties a reply to the inbound interaction it answers.
type InboundProof struct {
	InteractionID string
	ReceivedAt    time.Time
}

// Context describes one send. It is immutable once built.
type Context struct {
	Recipient      string
	Actor          Actor
	Channel        string
	Method         Method
	Proactive      bool
	Proof          *InboundProof
	BypassReason   string
	ConversationID string
	CampaignID     string
	Mode           string
}

var (
	errNoRecipient    = errors.New("recipient required")
	errBadActor       = errors.New("unknown actor")
	errBadMethod      = errors.New("unknown method")
	errMissingProof   = errors.New("reply requires inbound proof")
	errBypassActor    = errors.New("bypass requires a human actor")
	errCampaignID     = errors.New("campaign send requires campaign id")
	errReplyProactive = errors.New("reply cannot be proactive")
)

// Validate checks the structural rules of a send context.
func (c Context) Validate() error {
	if strings.TrimSpace(c.Recipient) == "" {
		return errNoRecipient
	}
	switch c.Actor {
	case ActorSystem, ActorAgent, ActorHuman:
	default:
		return errBadActor
	}
	if !c.Method.valid() {
		return errBadMethod
	}
	if c.Method == MethodReply {
		if c.Proof == nil || c.Proof.InteractionID == "" || c.Proof.ReceivedAt.IsZero() {
			return errMissingProof
		}
		if c.Proactive {
			return errReplyProactive
		}
	}
	if c.Method == MethodCampaign && c.CampaignID == "" {
		return errCampaignID
	}
	if strings.TrimSpace(c.BypassReason) != "" && c.Actor != ActorHuman {
		return errBypassActor
	}
	return nil
}

// CanBypassOptOut reports whether this send may override an opt-out block.
func (c Context) CanBypassOptOut() bool {
	return c.Actor == ActorHuman && strings.TrimSpace(c.BypassReason) != ""
}

// Outcome is the closed result taxonomy of a send attempt.
type Outcome string

const (
	OutcomeSent                  Outcome = "SENT"
	OutcomeBlockedInvalidContext Outcome = "BLOCKED_INVALID_CONTEXT"
	OutcomeBlockedNotAllowlisted Outcome = "BLOCKED_NOT_ALLOWLISTED"
	OutcomeBlockedOptedOut       Outcome = "BLOCKED_OPTED_OUT"
	OutcomeBlockedCoolingOff     Outcome = "BLOCKED_COOLING_OFF"
	OutcomeBlockedNextAllowedAt  Outcome = "BLOCKED_NEXT_ALLOWED_AT"
	OutcomeBlockedContactCap     Outcome = "BLOCKED_CONTACT_CAP"
	OutcomeBlockedCampaignRule   Outcome = "BLOCKED_CAMPAIGN_RULE"
	OutcomeBlockedQuietHours     Outcome = "BLOCKED_QUIET_HOURS"
	OutcomeBlockedRateLimited    Outcome = "BLOCKED_RATE_LIMITED"
	OutcomeDeduped               Outcome = "DEDUPED"
	OutcomeFailedValidation      Outcome = "FAILED_VALIDATION"
	OutcomeFailedBanned          Outcome = "FAILED_BANNED"
	OutcomeFailedProvider        Outcome = "FAILED_PROVIDER"
	OutcomeFailedDependency      Outcome = "FAILED_DEPENDENCY"
	OutcomeBypass                Outcome = "BYPASS"
)

// AllOutcomes lists every outcome.
var AllOutcomes = []Outcome{
	OutcomeSent,
	OutcomeBlockedInvalidContext,
	OutcomeBlockedNotAllowlisted,
	OutcomeBlockedOptedOut,
	OutcomeBlockedCoolingOff,
	OutcomeBlockedNextAllowedAt,
	OutcomeBlockedContactCap,
	OutcomeBlockedCampaignRule,
	OutcomeBlockedQuietHours,
	OutcomeBlockedRateLimited,
	OutcomeDeduped,
	OutcomeFailedValidation,
	OutcomeFailedBanned,
	OutcomeFailedProvider,
	OutcomeFailedDependency,
	OutcomeBypass,
}

func (o Outcome) Blocked() bool { return strings.HasPrefix(string(o), "BLOCKED_") }
func (o Outcome) Failed() bool  { return strings.HasPrefix(string(o), "FAILED_") }

// guardrailBlock reports whether o is a policy block from the guardrail, as
// opposed to a rate-limit denial or a malformed send.
func (o Outcome) guardrailBlock() bool {
	return o.Blocked() && o != OutcomeBlockedRateLimited && o != OutcomeBlockedInvalidContext
}

// keepsReservation reports whether the dedup key stays claimed after o.
// Retrying a delivered or permanently rejected message must stay deduped.
func (o Outcome) keepsReservation() bool {
	switch o {
	case OutcomeSent, OutcomeFailedValidation, OutcomeFailedBanned:
		return true
	}
	return false
}

// SendResult is what Dispatcher.Send returns.
type SendResult struct {
	Outcome           Outcome
	Reason            string
	ProviderMessageID string
	DedupKey          string
	Bypassed          bool
	RetryAt           time.Time
	Err               error
	At                time.Time
}

// Delivered reports whether the message left the system.
func (r SendResult) Delivered() bool { return r.Outcome == OutcomeSent }
