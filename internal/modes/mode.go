// Package modes tracks the conversational stance of the agent per conversation
// and adjudicates transitions between stances.
package modes

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the agent's current stance toward a conversation.
type Mode string

const (
	Discovery    Mode = "discovery"
	Offer        Mode = "offer"
	Followup     Mode = "followup"
	Reactivation Mode = "reactivation"
)

// All lists every mode.
var All = []Mode{Discovery, Offer, Followup, Reactivation}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case Discovery, Offer, Followup, Reactivation:
		return true
	}
	return false
}

func (m Mode) String() string { return string(m) }

// Parse converts a case-insensitive name into a Mode.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("modes: unknown mode %q", s)
	}
	return m, nil
}

// Source records who set the current mode.
type Source string

const (
	SourceInbound  Source = "inbound"
	SourceCampaign Source = "campaign"
	SourceManual   Source = "manual"
)

// Info is the per-conversation mode snapshot. Pending and PendingSince are
// set together or not at all.
type Info struct {
	Mode             Mode      `json:"mode"`
	UpdatedAt        time.Time `json:"updated_at"`
	Reason           string    `json:"reason,omitempty"`
	Source           Source    `json:"source"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
	Pending          *Mode     `json:"pending_transition,omitempty"`
	PendingSince     time.Time `json:"pending_since,omitempty"`
}

// DefaultInfo is the snapshot of a conversation that has never been routed.
func DefaultInfo() Info {
	return Info{Mode: Discovery, Source: SourceInbound}
}

// HasPending reports whether a transition awaits confirmation.
func (i Info) HasPending() bool {
	return i.Pending != nil
}

// apply moves to target, clearing any pending transition and restarting the cooldown.
func (i *Info) apply(target Mode, source Source, reason string, now time.Time) {
	i.Mode = target
	i.Source = source
	i.Reason = reason
	i.UpdatedAt = now
	i.LastTransitionAt = now
	i.clearPending()
}

func (i *Info) setPending(target Mode, reason string, now time.Time) {
	t := target
	i.Pending = &t
	i.PendingSince = now
	i.Reason = reason
	i.UpdatedAt = now
}

func (i *Info) clearPending() {
	i.Pending = nil
	i.PendingSince = time.Time{}
}
