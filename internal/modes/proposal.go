package modes

import "fmt"

// Proposal is a candidate transition derived from an intent.
type Proposal struct {
	From      Mode
	To        Mode
	Intent    Intent
	Automatic bool
	Trigger   string
}

type proposalRule struct {
	to        Mode
	automatic bool
	from      []Mode
}

var proposalRules = map[Intent]proposalRule{
	IntentInterest:     {to: Offer, automatic: false, from: []Mode{Discovery, Followup, Reactivation}},
	IntentReadyToClose: {to: Offer, automatic: true, from: []Mode{Discovery, Followup, Reactivation}},
	IntentRefusal:      {to: Followup, automatic: true, from: []Mode{Offer}},
	IntentConfusion:    {to: Discovery, automatic: false, from: []Mode{Offer}},
	IntentReturning:    {to: Discovery, automatic: true, from: []Mode{Reactivation, Followup}},
}

// Propose maps the current mode and detected intent to a transition, or nil.
// Objection and neutral intents never propose a transition.
func Propose(current Mode, intent Intent, evidence string) *Proposal {
	rule, ok := proposalRules[intent]
	if !ok {
		return nil
	}
	for _, from := range rule.from {
		if from == current {
			return &Proposal{
				From:      current,
				To:        rule.to,
				Intent:    intent,
				Automatic: rule.automatic,
				Trigger:   fmt.Sprintf("%s intent: %q", intent, truncate(evidence, 80)),
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
