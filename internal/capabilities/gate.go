// Package capabilities restricts which tools and claims the agent may use in each mode.
package capabilities

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfman30/chat-agent/internal/modes"
)

// Tool names that are never exposed, whatever the configuration says.
const (
	ToolQuotePrice     = "quote_price"
	ToolConfirmBooking = "confirm_booking"
)

// GlobalForbiddenTools returns the hardcoded global deny list.
func GlobalForbiddenTools() []string {
	return []string{ToolQuotePrice, ToolConfirmBooking}
}

//go:embed capabilities.yaml
var defaultCapabilitiesYAML []byte

// ClaimConfig describes one forbidden claim category.
type ClaimConfig struct {
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
}

// ModeConfig is the capability set of one mode.
type ModeConfig struct {
	AllowedTools     []string `yaml:"allowed_tools"`
	ForbiddenTools   []string `yaml:"forbidden_tools"`
	ForbiddenClaims  []string `yaml:"forbidden_claims"`
	RequiredBehavior string   `yaml:"required_behavior"`
	Tone             string   `yaml:"tone"`
	SafeSubstitute   string   `yaml:"safe_substitute"`
}

// Config is the YAML shape of capabilities.yaml.
type Config struct {
	IntermediaryGuardrail string                    `yaml:"intermediary_guardrail"`
	GlobalForbiddenTools  []string                  `yaml:"global_forbidden_tools"`
	Claims                map[string]ClaimConfig    `yaml:"claims"`
	Modes                 map[modes.Mode]ModeConfig `yaml:"modes"`
}

type claim struct {
	name        string
	description string
	patterns    []*regexp.Regexp
}

// Gate holds the compiled per-mode capabilities.
type Gate struct {
	guardrail       string
	globalForbidden map[string]bool
	claims          map[string]claim
	modes           map[modes.Mode]ModeConfig
}

// LoadGate builds a Gate from path, or from the built-in configuration when path is empty.
func LoadGate(path string) (*Gate, error) {
	data := defaultCapabilitiesYAML
	if strings.TrimSpace(path) != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("capabilities: read config: %w", err)
		}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("capabilities: parse config: %w", err)
	}
	return NewGate(cfg)
}

// DefaultGate returns the built-in Gate.
func DefaultGate() *Gate {
	g, err := LoadGate("")
	if err != nil {
		panic(err)
	}
	return g
}

func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{
		guardrail:       strings.TrimSpace(cfg.IntermediaryGuardrail),
		globalForbidden: make(map[string]bool),
		claims:          make(map[string]claim),
		modes:           make(map[modes.Mode]ModeConfig),
	}
	if g.guardrail == "" {
		g.guardrail = "You are an intermediary only. Never confirm bookings, quote prices or negotiate terms; hand those to the team."
	}
	for _, name := range GlobalForbiddenTools() {
		g.globalForbidden[name] = true
	}
	for _, name := range cfg.GlobalForbiddenTools {
		if name = strings.TrimSpace(name); name != "" {
			g.globalForbidden[name] = true
		}
	}
	for name, cc := range cfg.Claims {
		c := claim{name: name, description: cc.Description}
		for _, p := range cc.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("capabilities: claim %s pattern %q: %w", name, p, err)
			}
			c.patterns = append(c.patterns, re)
		}
		g.claims[name] = c
	}
	for mode, mc := range cfg.Modes {
		if !mode.Valid() {
			return nil, fmt.Errorf("capabilities: unknown mode %q", mode)
		}
		for _, name := range mc.ForbiddenClaims {
			if _, ok := g.claims[name]; !ok {
				return nil, fmt.Errorf("capabilities: mode %s references unknown claim %q", mode, name)
			}
		}
		g.modes[mode] = mc
	}
	for _, mode := range modes.All {
		if _, ok := g.modes[mode]; !ok {
			return nil, fmt.Errorf("capabilities: mode %s is not configured", mode)
		}
	}
	return g, nil
}

// View is the capability set of one mode.
type View struct {
	mode modes.Mode
	cfg  ModeConfig
	gate *Gate
}

// For returns the view for mode. Unknown modes get the discovery view.
func (g *Gate) For(mode modes.Mode) View {
	cfg, ok := g.modes[mode]
	if !ok {
		mode = modes.Discovery
		cfg = g.modes[mode]
	}
	return View{mode: mode, cfg: cfg, gate: g}
}

// Mode returns the mode this view applies to.
func (v View) Mode() modes.Mode { return v.mode }

// Tone returns the configured tone label.
func (v View) Tone() string { return v.cfg.Tone }

// SafeSubstitute is the reply used when generated text makes a forbidden claim.
func (v View) SafeSubstitute() string { return v.cfg.SafeSubstitute }

// Allows reports whether a tool may be exposed or invoked in this mode.
func (v View) Allows(name string) bool {
	if v.gate.globalForbidden[name] {
		return false
	}
	for _, f := range v.cfg.ForbiddenTools {
		if f == name {
			return false
		}
	}
	if len(v.cfg.AllowedTools) == 0 {
		return true
	}
	for _, a := range v.cfg.AllowedTools {
		if a == name {
			return true
		}
	}
	return false
}

// FilterTools keeps the tools this mode allows, preserving order.
func (v View) FilterTools(tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if v.Allows(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// FilterToolNames is FilterTools over bare names.
func (v View) FilterToolNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if v.Allows(n) {
			out = append(out, n)
		}
	}
	return out
}

// ConstraintsText renders the prompt constraints for this mode.
func (v View) ConstraintsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current conversation mode: %s.\n", v.mode)
	if len(v.cfg.ForbiddenClaims) > 0 {
		b.WriteString("You must never:\n")
		claims := append([]string(nil), v.cfg.ForbiddenClaims...)
		sort.Strings(claims)
		for _, name := range claims {
			desc := v.gate.claims[name].description
			if desc == "" {
				desc = strings.ReplaceAll(name, "_", " ")
			}
			fmt.Fprintf(&b, "- %s\n", desc)
		}
	}
	if rb := strings.TrimSpace(v.cfg.RequiredBehavior); rb != "" {
		fmt.Fprintf(&b, "Required behavior: %s\n", rb)
	}
	if tone := strings.TrimSpace(v.cfg.Tone); tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", tone)
	}
	b.WriteString(v.gate.guardrail)
	return b.String()
}

// claimPatterns returns the compiled patterns of the claims forbidden in this mode.
func (v View) claimPatterns() []claim {
	out := make([]claim, 0, len(v.cfg.ForbiddenClaims))
	for _, name := range v.cfg.ForbiddenClaims {
		out = append(out, v.gate.claims[name])
	}
	return out
}
