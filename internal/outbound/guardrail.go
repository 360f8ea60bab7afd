package outbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/internal/compliance"
)

// ContactPolicy is the per-recipient state the guardrail reads.
type ContactPolicy struct {
	OptedOut        bool
	CoolingOffUntil *time.Time
	NextAllowedAt   *time.Time
	ProactiveToday  int
}

// PolicyStore answers the guardrail's questions. Any error fails the send
// closed with FAILED_DEPENDENCY.
type PolicyStore interface {
	ContactPolicy(ctx context.Context, recipient string, dayStart time.Time) (ContactPolicy, error)
	CampaignSends(ctx context.Context, campaignID, recipient string, since time.Time) (int, error)
}

// GuardrailConfig holds the policy knobs.
type GuardrailConfig struct {
	Restricted       bool
	Allowlist        []string
	ContactDailyCap  int
	CampaignDailyCap int
	QuietHours       compliance.QuietHours
	Location         *time.Location
	Clock            func() time.Time
}

// Verdict is the guardrail result. An empty Outcome means allow.
type Verdict struct {
	Outcome Outcome
	Reason  string
	RetryAt time.Time
}

func (v Verdict) Allowed() bool { return v.Outcome == "" }

// Guardrail evaluates send policy in a fixed order and stops at the first hit.
type Guardrail struct {
	cfg       GuardrailConfig
	allowlist map[string]struct{}
	store     PolicyStore
	now       func() time.Time
}

func NewGuardrail(cfg GuardrailConfig, store PolicyStore) *Guardrail {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, r := range cfg.Allowlist {
		if r = normalizeRecipient(r); r != "" {
			allow[r] = struct{}{}
		}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Guardrail{cfg: cfg, allowlist: allow, store: store, now: now}
}

// Evaluate runs: allowlist, opt-out, cooling-off, next-allowed-at, contact cap,
// campaign rules, quiet hours.
func (g *Guardrail) Evaluate(ctx context.Context, oc Context) Verdict {
	now := g.now()

	if g.cfg.Restricted {
		if _, ok := g.allowlist[normalizeRecipient(oc.Recipient)]; !ok {
			return Verdict{Outcome: OutcomeBlockedNotAllowlisted, Reason: "recipient not allowlisted"}
		}
	}

	local := now.In(g.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.cfg.Location)

	if g.store == nil {
		return Verdict{Outcome: OutcomeFailedDependency, Reason: "policy store not configured"}
	}
	policy, err := g.store.ContactPolicy(ctx, oc.Recipient, dayStart)
	if err != nil {
		return Verdict{Outcome: OutcomeFailedDependency, Reason: fmt.Sprintf("contact policy: %v", err)}
	}

	if policy.OptedOut {
		return Verdict{Outcome: OutcomeBlockedOptedOut, Reason: "recipient opted out"}
	}
	if policy.CoolingOffUntil != nil && now.Before(*policy.CoolingOffUntil) && oc.Actor != ActorHuman {
		return Verdict{Outcome: OutcomeBlockedCoolingOff, Reason: "contact cooling off", RetryAt: *policy.CoolingOffUntil}
	}
	if !oc.Proactive {
		return Verdict{}
	}
	if policy.NextAllowedAt != nil && now.Before(*policy.NextAllowedAt) {
		return Verdict{Outcome: OutcomeBlockedNextAllowedAt, Reason: "next send scheduled later", RetryAt: *policy.NextAllowedAt}
	}
	if g.cfg.ContactDailyCap > 0 && policy.ProactiveToday >= g.cfg.ContactDailyCap {
		return Verdict{
			Outcome: OutcomeBlockedContactCap,
			Reason:  fmt.Sprintf("contact cap %d reached", g.cfg.ContactDailyCap),
			RetryAt: dayStart.AddDate(0, 0, 1),
		}
	}
	if oc.Method == MethodCampaign && g.cfg.CampaignDailyCap > 0 {
		n, err := g.store.CampaignSends(ctx, oc.CampaignID, oc.Recipient, dayStart)
		if err != nil {
			return Verdict{Outcome: OutcomeFailedDependency, Reason: fmt.Sprintf("campaign sends: %v", err)}
		}
		if n >= g.cfg.CampaignDailyCap {
			return Verdict{
				Outcome: OutcomeBlockedCampaignRule,
				Reason:  fmt.Sprintf("campaign %s already sent %d today", oc.CampaignID, n),
				RetryAt: dayStart.AddDate(0, 0, 1),
			}
		}
	}
	if g.cfg.QuietHours.Suppress(now, true) {
		return Verdict{Outcome: OutcomeBlockedQuietHours, Reason: "quiet hours", RetryAt: g.cfg.QuietHours.NextOpen(now)}
	}
	return Verdict{}
}

func normalizeRecipient(r string) string {
	r = strings.TrimSpace(r)
	return strings.TrimPrefix(r, "+")
}
