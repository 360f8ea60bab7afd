package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// GenerationObserver records generation latency per provider.
type GenerationObserver interface {
	ObserveGeneration(provider, status string, seconds float64)
}

type namedGenerator interface {
	Generator
	Name() string
}

// FallbackGenerator tries each generator in order until one succeeds. A
// cancelled or expired context stops the chain.
type FallbackGenerator struct {
	chain   []Generator
	logger  *logging.Logger
	metrics GenerationObserver
}

func NewFallbackGenerator(logger *logging.Logger, metrics GenerationObserver, chain ...Generator) *FallbackGenerator {
	if logger == nil {
		logger = logging.Default()
	}
	var filtered []Generator
	for _, g := range chain {
		if g != nil {
			filtered = append(filtered, g)
		}
	}
	return &FallbackGenerator{chain: filtered, logger: logger, metrics: metrics}
}

func (f *FallbackGenerator) Generate(ctx context.Context, req GenerationRequest) (Generation, error) {
	if len(f.chain) == 0 {
		return Generation{}, errors.New("conversation: no generator configured")
	}
	var errs []error
	for i, g := range f.chain {
		name := generatorName(g, i)
		start := time.Now()
		gen, err := g.Generate(ctx, req)
		f.observe(name, err, time.Since(start))
		if err == nil {
			if i > 0 {
				f.logger.Info("fallback generator succeeded", "provider", name)
			}
			return gen, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("generator failed", "provider", name, "error", err, "fallback_available", i < len(f.chain)-1)
	}
	return Generation{}, errors.Join(errs...)
}

func (f *FallbackGenerator) observe(provider string, err error, d time.Duration) {
	if f.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
	}
	f.metrics.ObserveGeneration(provider, status, d.Seconds())
}

func generatorName(g Generator, i int) string {
	if n, ok := g.(namedGenerator); ok {
		return n.Name()
	}
	if i == 0 {
		return "primary"
	}
	return "fallback"
}
