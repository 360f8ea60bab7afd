// Package delay computes humanized wait times before outbound sends.
package delay

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Category is an urgency class. Lower Priority means more urgent.
type Category string

const (
	DirectReply    Category = "direct_reply"
	AcceptConfirm  Category = "accept_confirm"
	ProactiveOffer Category = "proactive_offer"
	Followup       Category = "followup"
	ColdCampaign   Category = "cold_campaign"
)

// Categories lists every category in priority order.
var Categories = []Category{DirectReply, AcceptConfirm, ProactiveOffer, Followup, ColdCampaign}

// Priority returns the rank of c; unknown categories sort last.
func (c Category) Priority() int {
	for i, known := range Categories {
		if known == c {
			return i
		}
	}
	return len(Categories)
}

// Range is the allowed wait window for a category.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// DefaultRanges are the built-in windows.
func DefaultRanges() map[Category]Range {
	return map[Category]Range{
		DirectReply:    {Min: 2 * time.Second, Max: 8 * time.Second},
		AcceptConfirm:  {Min: 4 * time.Second, Max: 12 * time.Second},
		ProactiveOffer: {Min: 15 * time.Second, Max: 45 * time.Second},
		Followup:       {Min: 30 * time.Second, Max: 90 * time.Second},
		ColdCampaign:   {Min: 60 * time.Second, Max: 180 * time.Second},
	}
}

var defaultAcceptKeywords = []string{
	"confirmado", "confirmada", "combinado", "agendado", "agendada", "fechado", "perfeito",
	"confirmed", "booked", "all set",
}

// Input describes an outbound message being timed.
type Input struct {
	Method         string
	Proactive      bool
	Text           string
	InboundProofAt time.Time
}

// Config tunes the Engine. Zero values take defaults.
type Config struct {
	Ranges         map[Category]Range
	Jitter         float64
	PeakStartHour  int
	PeakEndHour    int
	PeakMultiplier float64
	Location       *time.Location
	ProofMaxAge    time.Duration
	AcceptKeywords []string
}

// Engine classifies outbound messages and computes their wait.
type Engine struct {
	cfg Config

	mu   sync.Mutex
	rand func() float64
	now  func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand replaces the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(e *Engine) {
		if fn != nil {
			e.rand = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func New(cfg Config, opts ...Option) *Engine {
	ranges := DefaultRanges()
	for cat, r := range cfg.Ranges {
		if r.Max < r.Min {
			r.Min, r.Max = r.Max, r.Min
		}
		ranges[cat] = r
	}
	cfg.Ranges = ranges
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.2
	}
	if cfg.PeakMultiplier <= 0 {
		cfg.PeakMultiplier = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ProofMaxAge <= 0 {
		cfg.ProofMaxAge = 24 * time.Hour
	}
	if len(cfg.AcceptKeywords) == 0 {
		cfg.AcceptKeywords = defaultAcceptKeywords
	}

	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Engine{
		cfg:  cfg,
		rand: src.Float64,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify maps an outbound message to its urgency category. A reply
// carrying a recent inbound proof is always a direct reply.
func (e *Engine) Classify(in Input) Category {
	method := strings.ToLower(strings.TrimSpace(in.Method))
	if e.hasValidProof(in) && (method == "" || method == "reply") {
		return DirectReply
	}
	switch method {
	case "campaign":
		return ColdCampaign
	case "followup":
		return Followup
	}
	if containsAny(strings.ToLower(in.Text), e.cfg.AcceptKeywords) {
		return AcceptConfirm
	}
	return ProactiveOffer
}

func (e *Engine) hasValidProof(in Input) bool {
	if in.InboundProofAt.IsZero() {
		return false
	}
	age := e.now().Sub(in.InboundProofAt)
	return age >= -time.Minute && age <= e.cfg.ProofMaxAge
}

// ComputeDelay returns the wait for category after elapsed processing time:
// range midpoint, jitter, peak multiplier, clamp, minus elapsed, floored at zero.
func (e *Engine) ComputeDelay(category Category, elapsed time.Duration) time.Duration {
	r, ok := e.cfg.Ranges[category]
	if !ok {
		r = e.cfg.Ranges[ProactiveOffer]
	}
	mid := float64(r.Min+r.Max) / 2

	e.mu.Lock()
	roll := e.rand()
	e.mu.Unlock()

	d := mid * (1 + e.cfg.Jitter*(roll*2-1))
	if e.isPeak(e.now()) {
		d *= e.cfg.PeakMultiplier
	}
	wait := time.Duration(math.Round(d))
	if wait < r.Min {
		wait = r.Min
	}
	if wait > r.Max {
		wait = r.Max
	}
	wait -= elapsed
	if wait < 0 {
		return 0
	}
	return wait
}

func (e *Engine) isPeak(now time.Time) bool {
	start, end := e.cfg.PeakStartHour, e.cfg.PeakEndHour
	if start == end {
		return false
	}
	h := now.In(e.cfg.Location).Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
