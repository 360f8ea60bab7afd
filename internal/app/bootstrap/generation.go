package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/chat-agent/internal/config"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// BuildGenerator chains Bedrock and Gemini, in that order, behind a fallback
// generator. With neither configured every generation fails and the pipeline
// answers with the apology reply. The returned closer releases the Gemini client.
func BuildGenerator(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, metrics conversation.GenerationObserver, logger *logging.Logger) (conversation.Generator, func() error, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	closer := func() error { return nil }

	var chain []conversation.Generator
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" {
		if awsCfg == nil {
			logger.Warn("bedrock model configured without AWS config; skipping", "model", model)
		} else {
			chain = append(chain, conversation.NewBedrockGenerator(bedrockruntime.NewFromConfig(*awsCfg), model))
			logger.Info("bedrock generator enabled", "model", model)
		}
	}
	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		gemini, err := conversation.NewGeminiGenerator(ctx, key, cfg.GeminiModel)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: gemini generator: %w", err)
		}
		chain = append(chain, gemini)
		closer = gemini.Close
		logger.Info("gemini generator enabled", "model", cfg.GeminiModel)
	}
	if len(chain) == 0 {
		logger.Warn("no generator configured; replies will use the apology text")
	}
	return conversation.NewFallbackGenerator(logger, metrics, chain...), closer, nil
}
