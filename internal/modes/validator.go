package modes

import (
	"fmt"
	"time"
)

// Decision is the validator's verdict on one inbound message.
type Decision string

const (
	DecisionApply   Decision = "APPLY"
	DecisionPending Decision = "PENDING"
	DecisionConfirm Decision = "CONFIRM"
	DecisionCancel  Decision = "CANCEL"
	DecisionReject  Decision = "REJECT"
)

// Verdict carries the decision and the mode it concerns.
type Verdict struct {
	Decision Decision
	Target   Mode
	Reason   string
}

type transition struct {
	from Mode
	to   Mode
}

// forbidden transitions hold regardless of the configured matrix.
var forbidden = map[transition]bool{
	{Discovery, Followup}:        true,
	{Reactivation, Reactivation}: true,
}

// DefaultAllowed is the allowed-transition matrix.
func DefaultAllowed() map[Mode][]Mode {
	return map[Mode][]Mode{
		Discovery:    {Offer},
		Offer:        {Followup, Discovery},
		Followup:     {Offer, Discovery},
		Reactivation: {Discovery, Offer},
	}
}

// DefaultConfirmationRequired lists transitions that need one confirming message
// unless the proposal is automatic.
func DefaultConfirmationRequired() map[Mode][]Mode {
	return map[Mode][]Mode{
		Discovery:    {Offer},
		Offer:        {Discovery},
		Followup:     {Offer},
		Reactivation: {Offer},
	}
}

// ValidatorConfig tunes the validator.
type ValidatorConfig struct {
	PendingTimeout       time.Duration
	Cooldown             time.Duration
	Allowed              map[Mode][]Mode
	ConfirmationRequired map[Mode][]Mode
}

// Validator adjudicates proposals against the matrix, the pending state and the cooldown.
type Validator struct {
	timeout  time.Duration
	cooldown time.Duration
	allowed  map[transition]bool
	confirm  map[transition]bool
	detector *IntentDetector
}

func NewValidator(cfg ValidatorConfig, detector *IntentDetector) *Validator {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Minute
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.Allowed == nil {
		cfg.Allowed = DefaultAllowed()
	}
	if cfg.ConfirmationRequired == nil {
		cfg.ConfirmationRequired = DefaultConfirmationRequired()
	}
	if detector == nil {
		detector = DefaultIntentDetector()
	}
	return &Validator{
		timeout:  cfg.PendingTimeout,
		cooldown: cfg.Cooldown,
		allowed:  toSet(cfg.Allowed),
		confirm:  toSet(cfg.ConfirmationRequired),
		detector: detector,
	}
}

// CanTransition reports whether from→to passes the hardcoded and configured rules.
func (v *Validator) CanTransition(from, to Mode) bool {
	t := transition{from, to}
	if forbidden[t] || from == to {
		return false
	}
	return v.allowed[t]
}

// Evaluate decides what to do with the current snapshot given this message.
// A pending transition is always resolved before any new proposal is considered.
func (v *Validator) Evaluate(info Info, intent Intent, proposal *Proposal, text string, now time.Time) Verdict {
	if info.Pending != nil {
		target := *info.Pending
		if v.PendingExpired(info, now) {
			return Verdict{Decision: DecisionCancel, Target: target, Reason: "pending transition timed out"}
		}
		if v.confirms(intent, text) && v.CanTransition(info.Mode, target) {
			return Verdict{Decision: DecisionConfirm, Target: target, Reason: fmt.Sprintf("confirmed by %s reply", intent)}
		}
		return Verdict{Decision: DecisionCancel, Target: target, Reason: "reply did not confirm"}
	}

	if proposal == nil {
		return Verdict{Decision: DecisionReject, Target: info.Mode, Reason: fmt.Sprintf("no transition for %s intent", intent)}
	}
	if !v.CanTransition(info.Mode, proposal.To) {
		return Verdict{Decision: DecisionReject, Target: proposal.To, Reason: fmt.Sprintf("transition %s->%s not allowed", info.Mode, proposal.To)}
	}
	if v.confirm[transition{info.Mode, proposal.To}] && !proposal.Automatic {
		return Verdict{Decision: DecisionPending, Target: proposal.To, Reason: proposal.Trigger}
	}
	if !info.LastTransitionAt.IsZero() && now.Sub(info.LastTransitionAt) < v.cooldown {
		return Verdict{Decision: DecisionReject, Target: proposal.To, Reason: "transition cooldown active"}
	}
	return Verdict{Decision: DecisionApply, Target: proposal.To, Reason: proposal.Trigger}
}

// PendingExpired reports whether the pending transition outlived the timeout.
func (v *Validator) PendingExpired(info Info, now time.Time) bool {
	return info.Pending != nil && now.Sub(info.PendingSince) > v.timeout
}

// confirms: negative intents cancel, positive intents confirm, otherwise a
// short affirmative confirms and anything else cancels.
func (v *Validator) confirms(intent Intent, text string) bool {
	switch intent {
	case IntentRefusal, IntentObjection:
		return false
	case IntentInterest, IntentReadyToClose:
		return true
	}
	return v.detector.IsAffirmative(text)
}

func toSet(m map[Mode][]Mode) map[transition]bool {
	out := make(map[transition]bool)
	for from, tos := range m {
		for _, to := range tos {
			out[transition{from, to}] = true
		}
	}
	return out
}
