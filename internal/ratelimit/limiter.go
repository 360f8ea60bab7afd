// Package ratelimit enforces outbound send quotas with Redis fixed-window counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

var tracer = otel.Tracer("chatagent.internal.ratelimit")

// Check names a single quota.
type Check string

const (
	GlobalHour        Check = "global_hour"
	GlobalDay         Check = "global_day"
	RecipientInterval Check = "recipient_interval"
	RecipientHour     Check = "recipient_hour"
	CategoryHour      Check = "category_hour"
)

// Checks is the evaluation order used by Limiter.Check.
var Checks = []Check{GlobalHour, GlobalDay, RecipientInterval, RecipientHour, CategoryHour}

// Decision sources.
const (
	SourceRedis   = "redis"
	SourceDurable = "durable"
	SourceNone    = "none"
)

// Limits configures ceilings and the failure policy. A ceiling <= 0 disables its check.
type Limits struct {
	GlobalHourly         int
	GlobalDaily          int
	RecipientMinInterval time.Duration
	RecipientHourly      int
	CategoryHourly       int

	// FailOpen lists checks that allow the send when neither Redis nor the
	// durable store can answer. Every other check denies.
	FailOpen map[Check]bool
}

// DefaultLimits returns conservative ceilings with recipient checks failing closed.
func DefaultLimits() Limits {
	return Limits{
		GlobalHourly:         500,
		GlobalDaily:          5000,
		RecipientMinInterval: 3 * time.Second,
		RecipientHourly:      30,
		CategoryHourly:       200,
		FailOpen:             FailOpenSet([]string{string(GlobalHour), string(GlobalDay), string(CategoryHour)}),
	}
}

// FailOpenSet builds a FailOpen map from check names, ignoring unknown names.
func FailOpenSet(names []string) map[Check]bool {
	out := make(map[Check]bool)
	for _, n := range names {
		c := Check(strings.TrimSpace(strings.ToLower(n)))
		for _, known := range Checks {
			if c == known {
				out[c] = true
			}
		}
	}
	return out
}

// Request identifies the send being checked.
type Request struct {
	Recipient string
	Category  string
}

// Decision is the verdict of one check, or of the first denying check.
type Decision struct {
	Allowed    bool
	Check      Check
	Count      int64
	Limit      int64
	RetryAfter time.Duration
	// Degraded is set when Redis was unreachable and the verdict came from
	// the durable store or from the failure policy.
	Degraded bool
	Source   string
	Reason   string
}

// FailedClosed reports a denial caused by infrastructure failure rather than quota.
func (d Decision) FailedClosed() bool {
	return !d.Allowed && d.Degraded && d.Source == SourceNone
}

// DurableCounter answers quota questions from the system of record when Redis is down.
type DurableCounter interface {
	CountSent(ctx context.Context, since time.Time, recipient, category string) (int64, error)
	LastSentAt(ctx context.Context, recipient string) (time.Time, bool, error)
}

// Recorder exports decisions.
type Recorder interface {
	ObserveRateLimit(check, decision string)
}

// Limiter evaluates quotas and records sends.
type Limiter struct {
	redis    redis.Cmdable
	durable  DurableCounter
	limits   Limits
	logger   *logging.Logger
	recorder Recorder
	now      func() time.Time
	prefix   string
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithDurableCounter enables the durable fallback.
// WithDurableCounter sets the fallback consulted when Redis is unreachable.
// A nil counter, typed or not, leaves the fallback off.
func WithDurableCounter(d DurableCounter) Option {
	return func(l *Limiter) {
		if pc, ok := d.(*PostgresCounter); ok && pc == nil {
			return
		}
		l.durable = d
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithKeyPrefix namespaces Redis keys. Default "ratelimit".
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		if strings.TrimSpace(prefix) != "" {
			l.prefix = prefix
		}
	}
}

func New(client redis.Cmdable, limits Limits, logger *logging.Logger, opts ...Option) *Limiter {
	if client == nil {
		panic("ratelimit: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if limits.FailOpen == nil {
		limits.FailOpen = map[Check]bool{}
	}
	l := &Limiter{
		redis:  client,
		limits: limits,
		logger: logger,
		now:    time.Now,
		prefix: "ratelimit",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check runs every quota in order and returns the first denial, or an allow.
func (l *Limiter) Check(ctx context.Context, req Request) Decision {
	ctx, span := tracer.Start(ctx, "ratelimit.check")
	defer span.End()

	allowed := Decision{Allowed: true, Source: SourceRedis}
	for _, c := range Checks {
		d := l.Evaluate(ctx, c, req)
		if !d.Allowed {
			span.SetAttributes(
				attribute.String("ratelimit.check", string(c)),
				attribute.Bool("ratelimit.degraded", d.Degraded),
			)
			return d
		}
		if d.Degraded {
			allowed.Degraded = true
			allowed.Source = d.Source
		}
	}
	return allowed
}

// Evaluate runs a single check.
func (l *Limiter) Evaluate(ctx context.Context, check Check, req Request) Decision {
	var d Decision
	switch check {
	case GlobalHour:
		d = l.windowCheck(ctx, check, l.hourKey("global", "all"), l.limits.GlobalHourly, time.Hour, "", "")
	case GlobalDay:
		d = l.windowCheck(ctx, check, l.dayKey(), l.limits.GlobalDaily, 24*time.Hour, "", "")
	case RecipientInterval:
		d = l.intervalCheck(ctx, req.Recipient)
	case RecipientHour:
		d = l.windowCheck(ctx, check, l.hourKey("recipient", req.Recipient), l.limits.RecipientHourly, time.Hour, req.Recipient, "")
	case CategoryHour:
		d = l.windowCheck(ctx, check, l.hourKey("category", categoryOrDefault(req.Category)), l.limits.CategoryHourly, time.Hour, "", categoryOrDefault(req.Category))
	default:
		d = Decision{Allowed: true, Check: check, Source: SourceNone, Reason: "unknown check"}
	}
	l.observe(d)
	return d
}

func (l *Limiter) windowCheck(ctx context.Context, check Check, key string, limit int, window time.Duration, recipient, category string) Decision {
	d := Decision{Allowed: true, Check: check, Limit: int64(limit), Source: SourceRedis}
	if limit <= 0 {
		return d
	}
	count, err := l.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		count, err = 0, nil
	}
	if err == nil {
		d.Count = count
		if count >= int64(limit) {
			d.Allowed = false
			d.RetryAfter = l.ttl(ctx, key)
			d.Reason = fmt.Sprintf("%s limit %d reached", check, limit)
		}
		return d
	}

	l.logger.Warn("rate limit counter unavailable", "check", check, "error", err)
	d.Degraded = true
	if l.durable != nil {
		since := l.now().Add(-window)
		count, derr := l.durable.CountSent(ctx, since, recipient, category)
		if derr == nil {
			d.Source = SourceDurable
			d.Count = count
			if count >= int64(limit) {
				d.Allowed = false
				d.Reason = fmt.Sprintf("%s limit %d reached (durable)", check, limit)
			}
			return d
		}
		l.logger.Error("rate limit durable fallback failed", "check", check, "error", derr)
	}
	return l.applyFailurePolicy(d)
}

func (l *Limiter) intervalCheck(ctx context.Context, recipient string) Decision {
	d := Decision{Allowed: true, Check: RecipientInterval, Source: SourceRedis}
	interval := l.limits.RecipientMinInterval
	if interval <= 0 || recipient == "" {
		return d
	}
	remaining, err := l.redis.PTTL(ctx, l.intervalKey(recipient)).Result()
	if err == nil {
		// -2 means the key is gone; -1 means no expiry, which we never set.
		if remaining > 0 {
			d.Allowed = false
			d.RetryAfter = remaining
			d.Reason = "recipient minimum interval"
		}
		return d
	}

	l.logger.Warn("rate limit interval key unavailable", "error", err)
	d.Degraded = true
	if l.durable != nil {
		last, ok, derr := l.durable.LastSentAt(ctx, recipient)
		if derr == nil {
			d.Source = SourceDurable
			if ok {
				if elapsed := l.now().Sub(last); elapsed < interval {
					d.Allowed = false
					d.RetryAfter = interval - elapsed
					d.Reason = "recipient minimum interval (durable)"
				}
			}
			return d
		}
		l.logger.Error("rate limit durable fallback failed", "check", RecipientInterval, "error", derr)
	}
	return l.applyFailurePolicy(d)
}

func (l *Limiter) applyFailurePolicy(d Decision) Decision {
	d.Source = SourceNone
	if l.limits.FailOpen[d.Check] {
		d.Allowed = true
		d.Reason = "counter store unavailable, failing open"
		return d
	}
	d.Allowed = false
	d.Reason = "counter store unavailable, failing closed"
	return d
}

// RecordSend increments every applicable counter after a successful send.
// Errors are logged and swallowed.
func (l *Limiter) RecordSend(ctx context.Context, req Request) {
	ctx, span := tracer.Start(ctx, "ratelimit.record_send")
	defer span.End()

	type counter struct {
		key string
		ttl time.Duration
	}
	counters := []counter{
		{l.hourKey("global", "all"), time.Hour},
		{l.dayKey(), 24 * time.Hour},
		{l.hourKey("category", categoryOrDefault(req.Category)), time.Hour},
	}
	if req.Recipient != "" {
		counters = append(counters, counter{l.hourKey("recipient", req.Recipient), time.Hour})
	}

	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range counters {
			pipe.Incr(ctx, c.key)
			pipe.Expire(ctx, c.key, c.ttl)
		}
		if req.Recipient != "" && l.limits.RecipientMinInterval > 0 {
			pipe.Set(ctx, l.intervalKey(req.Recipient), l.now().Unix(), l.limits.RecipientMinInterval)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		l.logger.Warn("rate limit record send failed", "recipient", req.Recipient, "error", err)
	}
}

func (l *Limiter) ttl(ctx context.Context, key string) time.Duration {
	d, err := l.redis.TTL(ctx, key).Result()
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (l *Limiter) observe(d Decision) {
	if l.recorder == nil {
		return
	}
	label := "allow"
	switch {
	case d.FailedClosed():
		label = "fail_closed"
	case !d.Allowed:
		label = "deny"
	case d.Degraded && d.Source == SourceNone:
		label = "fail_open"
	case d.Degraded:
		label = "durable"
	}
	l.recorder.ObserveRateLimit(string(d.Check), label)
}

func (l *Limiter) hourKey(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, scope, subject, l.now().UTC().Format("2006010215"))
}

func (l *Limiter) dayKey() string {
	return fmt.Sprintf("%s:global:day:%s", l.prefix, l.now().UTC().Format("20060102"))
}

func (l *Limiter) intervalKey(recipient string) string {
	return fmt.Sprintf("%s:interval:%s", l.prefix, recipient)
}

func categoryOrDefault(category string) string {
	if strings.TrimSpace(category) == "" {
		return "uncategorized"
	}
	return category
}
