package outbound

import (
	"context"
	"errors"
	"regexp"
)

// Classifier maps a transport error to a FAILED_* outcome. Validation patterns
// are checked before banned patterns; anything else is a provider failure.
type Classifier struct {
	validation []*regexp.Regexp
	banned     []*regexp.Regexp
}

var (
	defaultValidationPatterns = []string{
		`(?i)invalid (phone|number|recipient|destination)`,
		`(?i)not a valid`,
		`(?i)(number|recipient) (does not exist|not found|unknown)`,
		`(?i)not (registered|on) (whatsapp|the network)`,
		`(?i)unreachable destination`,
		`(?i)status[= ]4(00|04|22)\b`,
	}
	defaultBannedPatterns = []string{
		`(?i)\bbanned\b`,
		`(?i)\bblock(ed|list)`,
		`(?i)restricted`,
		`(?i)spam`,
		`(?i)account (suspended|disabled)`,
		`(?i)status[= ]403\b`,
	}
)

// NewClassifier compiles the patterns. Empty lists use the defaults.
func NewClassifier(validation, banned []string) (*Classifier, error) {
	if len(validation) == 0 {
		validation = defaultValidationPatterns
	}
	if len(banned) == 0 {
		banned = defaultBannedPatterns
	}
	c := &Classifier{}
	var err error
	if c.validation, err = compileAll(validation); err != nil {
		return nil, err
	}
	if c.banned, err = compileAll(banned); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultClassifier uses the built-in patterns.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify returns FAILED_VALIDATION, FAILED_BANNED or FAILED_PROVIDER.
func (c *Classifier) Classify(err error) Outcome {
	if err == nil {
		return OutcomeSent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeFailedProvider
	}
	msg := err.Error()
	for _, re := range c.validation {
		if re.MatchString(msg) {
			return OutcomeFailedValidation
		}
	}
	for _, re := range c.banned {
		if re.MatchString(msg) {
			return OutcomeFailedBanned
		}
	}
	return OutcomeFailedProvider
}
