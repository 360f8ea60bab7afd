package capabilities

import (
	"regexp"
	"strings"
)

// Validation actions.
const (
	ActionPass       = "pass"
	ActionSanitize   = "sanitize"
	ActionSubstitute = "substitute"
	ActionBlock      = "block"
)

// ValidationResult is the verdict on one generated reply.
type ValidationResult struct {
	Action  string
	Reasons []string
	// Text is the reply to deliver. Empty when blocked.
	Text string
}

// Blocked reports whether the reply must not be sent.
func (r ValidationResult) Blocked() bool {
	return r.Action == ActionBlock
}

type disclosurePattern struct {
	re     *regexp.Regexp
	reason string
	block  bool
}

var disclosurePatterns = []disclosurePattern{
	{regexp.MustCompile(`(?i)my (system\s+)?prompt\s+(is|says|tells|instructs)`), "leak:system_prompt_disclosure", true},
	{regexp.MustCompile(`(?i)(meu|minhas?) (prompt|instru[cç][oõ]es)\s+(diz|dizem|s[aã]o|mandam)`), "leak:system_prompt_disclosure", true},
	{regexp.MustCompile(`(?i)my instructions?\s+(are|say|tell|include|require)`), "leak:instructions_disclosure", true},
	{regexp.MustCompile(`(?i)(here are|these are|the following are)\s+(my )?(system )?(instructions|rules|guidelines|prompts)`), "leak:rules_listing", true},
	{regexp.MustCompile(`(?i)(powered by|built on|running on)\s+(Claude|GPT|OpenAI|Anthropic|Bedrock|Gemini)`), "leak:tech_stack", true},
	{regexp.MustCompile(`(?i)(api[_\s]?key|secret[_\s]?key|access[_\s]?token|bearer\s+token)\s*[:=]\s*\S+`), "leak:credential", true},
	{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "leak:aws_key", true},
	{regexp.MustCompile(`(?i)(postgres|mysql|redis|amqp)://\S+`), "leak:connection_url", true},
	{regexp.MustCompile(`(?i)/admin/|/webhooks/|/internal/`), "leak:internal_path", true},
	{regexp.MustCompile(`(?i)\bi('m| am) (a|an) (AI|artificial intelligence|language model|chatbot|bot)\b`), "leak:ai_identity", false},
	{regexp.MustCompile(`(?i)\b(sou|eu sou) (uma?|a) (IA|intelig[eê]ncia artificial|rob[oô]|chatbot|bot)\b`), "leak:ai_identity", false},
}

var aiIdentitySentence = regexp.MustCompile(`(?i)[^.!?]*\b(i('m| am) (a|an) (AI|artificial intelligence|language model|chatbot|bot)|(sou|eu sou) (uma?|a) (IA|intelig[eê]ncia artificial|rob[oô]|chatbot|bot))\b[^.!?]*[.!?]?\s*`)

// OutputValidator is the post-generation check that runs regardless of what
// the prompt asked for.
type OutputValidator struct {
	gate *Gate
}

func NewOutputValidator(gate *Gate) *OutputValidator {
	if gate == nil {
		gate = DefaultGate()
	}
	return &OutputValidator{gate: gate}
}

// Validate checks reply for disclosures (block), AI identity statements
// (sanitize) and the forbidden claims of mode (substitute).
func (v *OutputValidator) Validate(mode View, reply string) ValidationResult {
	if strings.TrimSpace(reply) == "" {
		return ValidationResult{Action: ActionPass, Text: reply}
	}

	var reasons []string
	block, sanitize := false, false
	for _, p := range disclosurePatterns {
		if p.re.MatchString(reply) {
			reasons = append(reasons, p.reason)
			if p.block {
				block = true
			} else {
				sanitize = true
			}
		}
	}
	if block {
		return ValidationResult{Action: ActionBlock, Reasons: reasons}
	}

	text := reply
	if sanitize {
		text = strings.TrimSpace(aiIdentitySentence.ReplaceAllString(reply, ""))
	}

	if mode.gate == nil {
		mode = v.gate.For(mode.mode)
	}
	for _, c := range mode.claimPatterns() {
		for _, re := range c.patterns {
			if re.MatchString(text) {
				reasons = append(reasons, "claim:"+c.name)
				return ValidationResult{Action: ActionSubstitute, Reasons: reasons, Text: mode.SafeSubstitute()}
			}
		}
	}

	if sanitize {
		if text == "" {
			return ValidationResult{Action: ActionBlock, Reasons: reasons}
		}
		return ValidationResult{Action: ActionSanitize, Reasons: reasons, Text: text}
	}
	return ValidationResult{Action: ActionPass, Text: reply}
}
