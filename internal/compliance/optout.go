// Package compliance holds per-sender consent handling (opt-out detection and
// quiet hours) and the durable decision audit trail.
package compliance

import (
	"strings"

	"github.com/wolfman30/chat-agent/internal/modes"
)

// DefaultOptOutKeywords are matched against accent-folded, lowercased text.
var DefaultOptOutKeywords = []string{
	"pare", "parar", "para de mandar", "sair", "cancelar", "descadastrar",
	"nao quero mais", "nao me mande mais", "remover meu numero",
	"stop", "stopall", "unsubscribe", "quit", "end",
}

// DefaultHelpKeywords trigger the help reply instead of generation.
var DefaultHelpKeywords = []string{"ajuda", "help", "info"}

// Detector identifies opt-out and help requests in inbound messages.
//
// A message is an opt-out when it starts with a keyword and stays short, so
// "pare" and "pare por favor" qualify but "nao pare de me avisar das promocoes"
// does not.
type Detector struct {
	optOut   []string
	help     []string
	maxWords int
}

// NewDetector returns a detector. Empty keyword lists fall back to the defaults.
func NewDetector(optOut, help []string) *Detector {
	if len(optOut) == 0 {
		optOut = DefaultOptOutKeywords
	}
	if len(help) == 0 {
		help = DefaultHelpKeywords
	}
	return &Detector{
		optOut:   normalizeAll(optOut),
		help:     normalizeAll(help),
		maxWords: 5,
	}
}

// IsOptOut reports whether text asks to stop receiving messages.
func (d *Detector) IsOptOut(text string) bool {
	if d == nil {
		return false
	}
	return d.matchPrefix(text, d.optOut)
}

// IsHelp reports whether text is a help request.
func (d *Detector) IsHelp(text string) bool {
	if d == nil {
		return false
	}
	return d.matchPrefix(text, d.help)
}

func (d *Detector) matchPrefix(text string, keywords []string) bool {
	norm := modes.Normalize(text)
	if norm == "" {
		return false
	}
	norm = strings.TrimPrefix(norm, "por favor ")
	norm = strings.TrimPrefix(norm, "please ")
	if len(strings.Fields(norm)) > d.maxWords {
		return false
	}
	for _, kw := range keywords {
		if norm == kw || strings.HasPrefix(norm, kw+" ") {
			return true
		}
	}
	return false
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := modes.Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}
