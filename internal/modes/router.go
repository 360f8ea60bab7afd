package modes

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// DecisionObserver exports decisions, typically to Prometheus.
type DecisionObserver interface {
	ObserveModeDecision(decision, from, to string)
}

// Outcome describes one routed message.
type Outcome struct {
	Previous Info
	Info     Info
	Intent   Intent
	Proposal *Proposal
	Verdict  Verdict
	// Expired is the CANCEL of a timed-out pending transition resolved before
	// this message was evaluated on its own.
	Expired *Verdict
}

// Changed reports whether the effective mode moved.
func (o Outcome) Changed() bool {
	return o.Previous.Mode != o.Info.Mode
}

// Router ties intent detection, proposal and validation to a Store.
type Router struct {
	store     Store
	detector  *IntentDetector
	validator *Validator
	observer  DecisionObserver
	logger    *logging.Logger
	now       func() time.Time
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

func WithDecisionObserver(o DecisionObserver) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRouterLogger(logger *logging.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRouter(store Store, detector *IntentDetector, validator *Validator, opts ...RouterOption) *Router {
	if store == nil {
		panic("modes: store cannot be nil")
	}
	if detector == nil {
		detector = DefaultIntentDetector()
	}
	if validator == nil {
		validator = NewValidator(ValidatorConfig{}, detector)
	}
	r := &Router{
		store:     store,
		detector:  detector,
		validator: validator,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies text and applies the validator's decision atomically.
func (r *Router) Route(ctx context.Context, conversationID, text string) (Outcome, error) {
	intent := r.detector.Detect(text)
	now := r.now()

	var out Outcome
	info, err := r.store.Update(ctx, conversationID, func(info *Info) error {
		out = Outcome{Previous: *info, Intent: intent}
		if r.validator.PendingExpired(*info, now) {
			expired := r.validator.Evaluate(*info, intent, nil, text, now)
			out.Expired = &expired
			info.clearPending()
			info.Reason = expired.Reason
			info.UpdatedAt = now
		}
		if info.Pending == nil {
			out.Proposal = Propose(info.Mode, intent, text)
		}
		out.Verdict = r.validator.Evaluate(*info, intent, out.Proposal, text, now)

		switch out.Verdict.Decision {
		case DecisionApply, DecisionConfirm:
			info.apply(out.Verdict.Target, SourceInbound, out.Verdict.Reason, now)
		case DecisionPending:
			info.setPending(out.Verdict.Target, out.Verdict.Reason, now)
		case DecisionCancel:
			info.clearPending()
			info.Reason = out.Verdict.Reason
			info.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("modes: route %s: %w", conversationID, err)
	}
	out.Info = info

	if r.observer != nil {
		if out.Expired != nil {
			r.observer.ObserveModeDecision(string(out.Expired.Decision), string(out.Previous.Mode), string(out.Expired.Target))
		}
		r.observer.ObserveModeDecision(string(out.Verdict.Decision), string(out.Previous.Mode), string(out.Verdict.Target))
	}
	if out.Expired != nil {
		r.logger.Info("pending transition expired", "conversation_id", conversationID, "target", out.Expired.Target)
	}
	if out.Verdict.Decision != DecisionReject {
		r.logger.Info("mode decision",
			"conversation_id", conversationID,
			"decision", out.Verdict.Decision,
			"from", out.Previous.Mode,
			"to", out.Verdict.Target,
			"intent", intent,
			"reason", out.Verdict.Reason,
		)
	}
	return out, nil
}

// SetMode forces a mode for campaign-inherited or operator overrides. It skips
// the transition matrix but still clears any pending transition.
func (r *Router) SetMode(ctx context.Context, conversationID string, mode Mode, source Source, reason string) (Info, error) {
	if !mode.Valid() {
		return Info{}, fmt.Errorf("modes: invalid mode %q", mode)
	}
	if source == "" {
		source = SourceManual
	}
	now := r.now()
	info, err := r.store.Update(ctx, conversationID, func(info *Info) error {
		info.apply(mode, source, reason, now)
		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("modes: set mode %s: %w", conversationID, err)
	}
	r.logger.Info("mode set", "conversation_id", conversationID, "mode", mode, "source", source, "reason", reason)
	return info, nil
}

// Snapshot reads the current mode without changing it.
func (r *Router) Snapshot(ctx context.Context, conversationID string) (Info, error) {
	return r.store.Get(ctx, conversationID)
}
