package outbound

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/ratelimit"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

var dispatchTracer = otel.Tracer("chatagent.internal.outbound.dispatcher")

// RateLimiter is the slice of ratelimit.Limiter the dispatcher uses.
type RateLimiter interface {
	Check(ctx context.Context, req ratelimit.Request) ratelimit.Decision
	RecordSend(ctx context.Context, req ratelimit.Request)
}

// Publisher receives decision records.
type Publisher interface {
	Publish(ctx context.Context, r events.Record)
}

// OutcomeObserver records outcome metrics.
type OutcomeObserver interface {
	ObserveSendOutcome(outcome, method string)
}

// Dispatcher owns the send path: validate, reserve, guardrail, rate limit,
// transport, then record.
type Dispatcher struct {
	reserver   Reserver
	guardrail  *Guardrail
	limiter    RateLimiter
	transport  Transport
	classifier *Classifier
	outcomes   OutcomeStore
	publisher  Publisher
	metrics    OutcomeObserver
	logger     *logging.Logger
	now        func() time.Time
	bucket     time.Duration
	ttl        time.Duration
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithRateLimiter(l RateLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithClassifier(c *Classifier) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.classifier = c
		}
	}
}

func WithOutcomeStore(s OutcomeStore) DispatcherOption {
	return func(d *Dispatcher) { d.outcomes = s }
}

func WithPublisher(p Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

func WithMetrics(m OutcomeObserver) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDedupWindow sets the content time bucket and the reservation TTL.
func WithDedupWindow(bucket, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if bucket > 0 {
			d.bucket = bucket
		}
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// NewDispatcher panics on missing required collaborators.
func NewDispatcher(reserver Reserver, guardrail *Guardrail, transport Transport, opts ...DispatcherOption) *Dispatcher {
	if reserver == nil {
		panic("outbound: reserver required")
	}
	if guardrail == nil {
		panic("outbound: guardrail required")
	}
	if transport == nil {
		panic("outbound: transport required")
	}
	d := &Dispatcher{
		reserver:   reserver,
		guardrail:  guardrail,
		transport:  transport,
		classifier: DefaultClassifier(),
		logger:     logging.Default(),
		now:        time.Now,
		bucket:     10 * time.Minute,
		ttl:        15 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers text under oc and returns exactly one outcome.
func (d *Dispatcher) Send(ctx context.Context, oc Context, text string) SendResult {
	ctx, span := dispatchTracer.Start(ctx, "outbound.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("chatagent.recipient", oc.Recipient),
		attribute.String("chatagent.method", string(oc.Method)),
	)

	res := d.send(ctx, oc, text)
	res.At = d.now()
	span.SetAttributes(attribute.String("chatagent.outcome", string(res.Outcome)))
	d.finish(ctx, oc, res)
	return res
}

func (d *Dispatcher) send(ctx context.Context, oc Context, text string) SendResult {
	if err := oc.Validate(); err != nil {
		return SendResult{Outcome: OutcomeBlockedInvalidContext, Reason: err.Error()}
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{Outcome: OutcomeBlockedInvalidContext, Reason: "empty message"}
	}

	key := DedupKey(oc.Recipient, text, d.bucket, d.now())
	token, ok, err := d.reserver.Reserve(ctx, key, d.ttl)
	if err != nil {
		return SendResult{Outcome: OutcomeFailedDependency, Reason: "dedup reservation unavailable", DedupKey: key, Err: err}
	}
	if !ok {
		return SendResult{Outcome: OutcomeDeduped, Reason: "duplicate send in flight", DedupKey: key}
	}

	res := d.deliver(ctx, oc, text, key)
	if !res.Outcome.keepsReservation() {
		// context may already be done; release on a detached context
		if err := d.reserver.Release(context.WithoutCancel(ctx), key, token); err != nil {
			d.logger.Warn("dedup release failed", "key", key, "error", err)
		}
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, oc Context, text, key string) SendResult {
	verdict := d.guardrail.Evaluate(ctx, oc)
	bypassed := false
	if !verdict.Allowed() {
		if verdict.Outcome != OutcomeBlockedOptedOut || !oc.CanBypassOptOut() {
			return SendResult{Outcome: verdict.Outcome, Reason: verdict.Reason, RetryAt: verdict.RetryAt, DedupKey: key}
		}
		bypassed = true
		d.recordBypass(ctx, oc, verdict, key)
	}

	req := ratelimit.Request{Recipient: oc.Recipient, Category: string(oc.Method)}
	if d.limiter != nil {
		dec := d.limiter.Check(ctx, req)
		if !dec.Allowed {
			outcome := OutcomeBlockedRateLimited
			if dec.FailedClosed() {
				outcome = OutcomeFailedDependency
			}
			res := SendResult{Outcome: outcome, Reason: dec.Reason, DedupKey: key, Bypassed: bypassed}
			if dec.RetryAfter > 0 {
				res.RetryAt = d.now().Add(dec.RetryAfter)
			}
			return res
		}
	}

	receipt, err := d.transport.Send(ctx, Message{
		To:             oc.Recipient,
		Text:           text,
		Channel:        oc.Channel,
		IdempotencyKey: key,
	})
	if err != nil {
		return SendResult{Outcome: d.classifier.Classify(err), Reason: err.Error(), Err: err, DedupKey: key, Bypassed: bypassed}
	}
	if d.limiter != nil {
		d.limiter.RecordSend(ctx, req)
	}
	return SendResult{Outcome: OutcomeSent, ProviderMessageID: receipt.ProviderMessageID, DedupKey: key, Bypassed: bypassed}
}

func (d *Dispatcher) recordBypass(ctx context.Context, oc Context, verdict Verdict, key string) {
	d.logger.Warn("opt-out bypassed by operator", "recipient", oc.Recipient, "reason", oc.BypassReason)
	d.persist(ctx, oc, OutcomeRecord{
		Outcome:  OutcomeBypass,
		Reason:   oc.BypassReason,
		DedupKey: key,
	})
	if d.metrics != nil {
		d.metrics.ObserveSendOutcome(string(OutcomeBypass), string(oc.Method))
	}
	if d.publisher != nil {
		d.publisher.Publish(ctx, events.Record{
			Kind:           events.KindBypass,
			ConversationID: oc.ConversationID,
			Recipient:      oc.Recipient,
			Mode:           oc.Mode,
			ReasonCode:     string(verdict.Outcome),
			Outcome:        string(OutcomeBypass),
			Data: map[string]any{
				"actor":         string(oc.Actor),
				"bypass_reason": oc.BypassReason,
				"method":        string(oc.Method),
			},
		})
	}
}

func (d *Dispatcher) finish(ctx context.Context, oc Context, res SendResult) {
	fields := []any{
		"recipient", oc.Recipient,
		"method", oc.Method,
		"outcome", res.Outcome,
	}
	switch {
	case res.Outcome == OutcomeSent:
		d.logger.Info("outbound sent", append(fields, "provider_message_id", res.ProviderMessageID)...)
	case res.Outcome.Failed():
		d.logger.Error("outbound failed", append(fields, "reason", res.Reason)...)
	default:
		d.logger.Info("outbound not sent", append(fields, "reason", res.Reason)...)
	}

	if res.Outcome != OutcomeBlockedInvalidContext || oc.Recipient != "" {
		d.persist(ctx, oc, OutcomeRecord{
			Outcome:           res.Outcome,
			Reason:            res.Reason,
			ProviderMessageID: res.ProviderMessageID,
			DedupKey:          res.DedupKey,
			CreatedAt:         res.At,
		})
	}
	if d.metrics != nil {
		d.metrics.ObserveSendOutcome(string(res.Outcome), string(oc.Method))
	}
	if d.publisher != nil {
		data := map[string]any{
			"method":    string(oc.Method),
			"actor":     string(oc.Actor),
			"proactive": oc.Proactive,
		}
		if res.Bypassed {
			data["bypassed"] = true
		}
		if res.ProviderMessageID != "" {
			data["provider_message_id"] = res.ProviderMessageID
		}
		if !res.RetryAt.IsZero() {
			data["retry_at"] = res.RetryAt.UTC().Format(time.RFC3339)
		}
		kind := events.KindSendOutcome
		if res.Outcome.guardrailBlock() {
			kind = events.KindGuardrailBlock
		}
		d.publisher.Publish(ctx, events.Record{
			Kind:           kind,
			ConversationID: oc.ConversationID,
			Recipient:      oc.Recipient,
			Mode:           oc.Mode,
			ReasonCode:     res.Reason,
			Outcome:        string(res.Outcome),
			Timestamp:      res.At,
			Data:           data,
		})
	}
}

func (d *Dispatcher) persist(ctx context.Context, oc Context, rec OutcomeRecord) {
	if d.outcomes == nil {
		return
	}
	rec.Recipient = oc.Recipient
	rec.ConversationID = oc.ConversationID
	rec.CampaignID = oc.CampaignID
	rec.Method = oc.Method
	rec.Category = string(oc.Method)
	rec.Actor = oc.Actor
	rec.Proactive = oc.Proactive
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now()
	}
	if err := d.outcomes.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Error("persist send outcome failed", "outcome", rec.Outcome, "recipient", oc.Recipient, "error", err)
	}
}
