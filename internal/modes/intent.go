package modes

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Intent is the classification of one inbound message.
type Intent string

const (
	IntentRefusal      Intent = "refusal"
	IntentReadyToClose Intent = "ready_to_close"
	IntentObjection    Intent = "objection"
	IntentInterest     Intent = "interest"
	IntentConfusion    Intent = "confusion"
	IntentReturning    Intent = "returning"
	IntentNeutral      Intent = "neutral"
)

// Specificity is the order intents are tested in.
var Specificity = []Intent{
	IntentRefusal,
	IntentReadyToClose,
	IntentObjection,
	IntentInterest,
	IntentConfusion,
	IntentReturning,
}

//go:embed intents.yaml
var defaultIntentsYAML []byte

// KeywordConfig is the YAML shape of intents.yaml.
type KeywordConfig struct {
	AffirmativeMaxWords int                 `yaml:"affirmative_max_words"`
	Affirmatives        []string            `yaml:"affirmatives"`
	Intents             map[Intent][]string `yaml:"intents"`
}

// ParseKeywordConfig decodes a keyword configuration document.
func ParseKeywordConfig(data []byte) (KeywordConfig, error) {
	var cfg KeywordConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return KeywordConfig{}, fmt.Errorf("modes: parse intents config: %w", err)
	}
	for intent := range cfg.Intents {
		if intent == IntentNeutral || !knownIntent(intent) {
			return KeywordConfig{}, fmt.Errorf("modes: unknown intent %q in config", intent)
		}
	}
	return cfg, nil
}

// LoadKeywordConfig reads path, or the built-in configuration when path is empty.
func LoadKeywordConfig(path string) (KeywordConfig, error) {
	if strings.TrimSpace(path) == "" {
		return ParseKeywordConfig(defaultIntentsYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return KeywordConfig{}, fmt.Errorf("modes: read intents config: %w", err)
	}
	return ParseKeywordConfig(data)
}

// IntentDetector classifies inbound text by keyword.
type IntentDetector struct {
	keywords     map[Intent][]string
	affirmatives []string
	maxWords     int
}

func NewIntentDetector(cfg KeywordConfig) *IntentDetector {
	d := &IntentDetector{
		keywords: make(map[Intent][]string, len(cfg.Intents)),
		maxWords: cfg.AffirmativeMaxWords,
	}
	if d.maxWords <= 0 {
		d.maxWords = 6
	}
	for intent, words := range cfg.Intents {
		for _, w := range words {
			if n := Normalize(w); n != "" {
				d.keywords[intent] = append(d.keywords[intent], n)
			}
		}
	}
	for _, w := range cfg.Affirmatives {
		if n := Normalize(w); n != "" {
			d.affirmatives = append(d.affirmatives, n)
		}
	}
	return d
}

// DefaultIntentDetector uses the built-in keyword lists.
func DefaultIntentDetector() *IntentDetector {
	cfg, err := ParseKeywordConfig(defaultIntentsYAML)
	if err != nil {
		panic(err)
	}
	return NewIntentDetector(cfg)
}

// Detect returns the most specific intent matched by text.
func (d *IntentDetector) Detect(text string) Intent {
	if d == nil {
		return IntentNeutral
	}
	padded := " " + Normalize(text) + " "
	if strings.TrimSpace(padded) == "" {
		return IntentNeutral
	}
	for _, intent := range Specificity {
		for _, kw := range d.keywords[intent] {
			if strings.Contains(padded, " "+kw+" ") {
				return intent
			}
		}
	}
	return IntentNeutral
}

// IsAffirmative reports a short reply containing an affirmative keyword.
func (d *IntentDetector) IsAffirmative(text string) bool {
	if d == nil {
		return false
	}
	normalized := Normalize(text)
	if normalized == "" || len(strings.Fields(normalized)) > d.maxWords {
		return false
	}
	padded := " " + normalized + " "
	for _, kw := range d.affirmatives {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}

// Normalize lowercases, strips accents and punctuation, and collapses whitespace.
func Normalize(text string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), text)
	if err != nil {
		folded = text
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'':
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func knownIntent(i Intent) bool {
	for _, known := range Specificity {
		if known == i {
			return true
		}
	}
	return false
}
