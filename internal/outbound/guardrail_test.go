package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/internal/compliance"
)

type fakePolicyStore struct {
	mu           sync.Mutex
	policy       ContactPolicy
	policyErr    error
	campaign     int
	campaignErr  error
	policyCalls  int
	lastDayStart time.Time
}

func (f *fakePolicyStore) ContactPolicy(_ context.Context, _ string, dayStart time.Time) (ContactPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policyCalls++
	f.lastDayStart = dayStart
	return f.policy, f.policyErr
}

func (f *fakePolicyStore) CampaignSends(context.Context, string, string, time.Time) (int, error) {
	return f.campaign, f.campaignErr
}

var guardNow = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func proactiveContext() Context {
	return Context{
		Recipient:  "5511999990000",
		Actor:      ActorSystem,
		Method:     MethodCampaign,
		CampaignID: "spring",
		Proactive:  true,
	}
}

func newTestGuardrail(t *testing.T, cfg GuardrailConfig, store PolicyStore) *Guardrail {
	t.Helper()
	cfg.Clock = func() time.Time { return guardNow }
	return NewGuardrail(cfg, store)
}

func TestGuardrailAllowsCleanSend(t *testing.T) {
	g := newTestGuardrail(t, GuardrailConfig{ContactDailyCap: 3, CampaignDailyCap: 1}, &fakePolicyStore{})
	v := g.Evaluate(context.Background(), proactiveContext())
	assert.True(t, v.Allowed())
}

func TestGuardrailRuleOrder(t *testing.T) {
	future := guardNow.Add(time.Hour)
	quiet, err := compliance.ParseQuietHours("14:00", "16:00", "UTC")
	require.NoError(t, err)

	everything := ContactPolicy{
		OptedOut:        true,
		CoolingOffUntil: &future,
		NextAllowedAt:   &future,
		ProactiveToday:  5,
	}
	cfg := GuardrailConfig{
		Restricted:       true,
		Allowlist:        []string{"+5511000000000"},
		ContactDailyCap:  3,
		CampaignDailyCap: 1,
		QuietHours:       quiet,
	}

	// Peel off one failing rule at a time; the next rule in order must fire.
	steps := []struct {
		want  Outcome
		relax func(*GuardrailConfig, *ContactPolicy, *fakePolicyStore)
	}{
		{OutcomeBlockedNotAllowlisted, func(*GuardrailConfig, *ContactPolicy, *fakePolicyStore) {}},
		{OutcomeBlockedOptedOut, func(c *GuardrailConfig, _ *ContactPolicy, _ *fakePolicyStore) { c.Restricted = false }},
		{OutcomeBlockedCoolingOff, func(_ *GuardrailConfig, p *ContactPolicy, _ *fakePolicyStore) { p.OptedOut = false }},
		{OutcomeBlockedNextAllowedAt, func(_ *GuardrailConfig, p *ContactPolicy, _ *fakePolicyStore) { p.CoolingOffUntil = nil }},
		{OutcomeBlockedContactCap, func(_ *GuardrailConfig, p *ContactPolicy, _ *fakePolicyStore) { p.NextAllowedAt = nil }},
		{OutcomeBlockedCampaignRule, func(_ *GuardrailConfig, p *ContactPolicy, s *fakePolicyStore) {
			p.ProactiveToday = 0
			s.campaign = 1
		}},
		{OutcomeBlockedQuietHours, func(_ *GuardrailConfig, _ *ContactPolicy, s *fakePolicyStore) { s.campaign = 0 }},
		{"", func(c *GuardrailConfig, _ *ContactPolicy, _ *fakePolicyStore) { c.QuietHours = compliance.QuietHours{} }},
	}

	store := &fakePolicyStore{campaign: 1}
	policy := everything
	for _, step := range steps {
		step.relax(&cfg, &policy, store)
		store.policy = policy
		v := newTestGuardrail(t, cfg, store).Evaluate(context.Background(), proactiveContext())
		assert.Equal(t, step.want, v.Outcome, "after relaxing towards %q", step.want)
	}
}

func TestGuardrailRepliesSkipProactiveRules(t *testing.T) {
	future := guardNow.Add(time.Hour)
	quiet, err := compliance.ParseQuietHours("00:00", "23:59", "UTC")
	require.NoError(t, err)
	store := &fakePolicyStore{policy: ContactPolicy{NextAllowedAt: &future, ProactiveToday: 99}}
	g := newTestGuardrail(t, GuardrailConfig{ContactDailyCap: 1, QuietHours: quiet}, store)

	v := g.Evaluate(context.Background(), replyContext())
	assert.True(t, v.Allowed())
}

func TestGuardrailOptOutAppliesToReplies(t *testing.T) {
	store := &fakePolicyStore{policy: ContactPolicy{OptedOut: true}}
	v := newTestGuardrail(t, GuardrailConfig{}, store).Evaluate(context.Background(), replyContext())
	assert.Equal(t, OutcomeBlockedOptedOut, v.Outcome)
}

func TestGuardrailCoolingOffSparesHumans(t *testing.T) {
	future := guardNow.Add(time.Hour)
	store := &fakePolicyStore{policy: ContactPolicy{CoolingOffUntil: &future}}
	g := newTestGuardrail(t, GuardrailConfig{}, store)

	oc := Context{Recipient: "5511", Actor: ActorHuman, Method: MethodManual}
	assert.True(t, g.Evaluate(context.Background(), oc).Allowed())

	oc.Actor = ActorAgent
	v := g.Evaluate(context.Background(), oc)
	assert.Equal(t, OutcomeBlockedCoolingOff, v.Outcome)
	assert.Equal(t, future, v.RetryAt)
}

func TestGuardrailStoreErrorsFailClosed(t *testing.T) {
	store := &fakePolicyStore{policyErr: errors.New("pool exhausted")}
	v := newTestGuardrail(t, GuardrailConfig{}, store).Evaluate(context.Background(), replyContext())
	assert.Equal(t, OutcomeFailedDependency, v.Outcome)
	assert.Contains(t, v.Reason, "pool exhausted")

	store = &fakePolicyStore{campaignErr: errors.New("timeout")}
	v = newTestGuardrail(t, GuardrailConfig{CampaignDailyCap: 1}, store).Evaluate(context.Background(), proactiveContext())
	assert.Equal(t, OutcomeFailedDependency, v.Outcome)

	v = newTestGuardrail(t, GuardrailConfig{}, nil).Evaluate(context.Background(), replyContext())
	assert.Equal(t, OutcomeFailedDependency, v.Outcome)
}

func TestGuardrailAllowlistRunsBeforeStore(t *testing.T) {
	store := &fakePolicyStore{}
	g := newTestGuardrail(t, GuardrailConfig{Restricted: true, Allowlist: []string{"+5511999990000"}}, store)

	assert.True(t, g.Evaluate(context.Background(), replyContext()).Allowed())

	oc := replyContext()
	oc.Recipient = "5511000000001"
	assert.Equal(t, OutcomeBlockedNotAllowlisted, g.Evaluate(context.Background(), oc).Outcome)
	assert.Equal(t, 1, store.policyCalls)
}

func TestGuardrailDayBoundaryUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	store := &fakePolicyStore{}
	g := newTestGuardrail(t, GuardrailConfig{Location: loc, ContactDailyCap: 3}, store)
	g.Evaluate(context.Background(), proactiveContext())

	local := guardNow.In(loc)
	assert.True(t, store.lastDayStart.Equal(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)))
}
