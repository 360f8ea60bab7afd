package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/internal/capabilities"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

const defaultSystemPrompt = `You are the first point of contact for a small service business, chatting with customers over a messaging app.
Reply in the customer's language, in one or two short messages' worth of text, without lists or markdown.
Use the available tools for facts; if you do not know something, offer to check with the team.`

var errEmptyGeneration = errors.New("stages: generation returned no text")

// GenerationConfig tunes the core step.
type GenerationConfig struct {
	SystemPrompt       string
	IntermediaryNotice string
	Timeout            time.Duration
	MaxToolRounds      int
	HistoryLimit       int
	MaxTokens          int32
	// TimeoutReply is delivered when the generation deadline expires.
	TimeoutReply string
}

// Generation is the core step: it calls the generator with the gated tools and
// resolves tool calls until the model answers in text.
type Generation struct {
	generator conversation.Generator
	history   conversation.HistoryStore
	registry  *capabilities.Registry
	gate      *capabilities.Gate
	cfg       GenerationConfig
	logger    *logging.Logger
}

func NewGeneration(generator conversation.Generator, history conversation.HistoryStore, registry *capabilities.Registry, gate *capabilities.Gate, cfg GenerationConfig, logger *logging.Logger) *Generation {
	if generator == nil {
		panic("stages: generator cannot be nil")
	}
	if gate == nil {
		gate = capabilities.DefaultGate()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxToolRounds < 0 {
		cfg.MaxToolRounds = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.TimeoutReply == "" {
		cfg.TimeoutReply = "Desculpe a demora! Já te respondo."
	}
	return &Generation{
		generator: generator,
		history:   history,
		registry:  registry,
		gate:      gate,
		cfg:       cfg,
		logger:    logger,
	}
}

func (g *Generation) Generate(ctx context.Context, pc *pipeline.Context) pipeline.Result {
	view := g.gate.For(pc.Mode)
	tools, ok := toolsFrom(pc)
	if !ok {
		tools = view.FilterTools(g.registry.Tools())
	}
	constraints := pc.MetaString(MetaConstraints)
	if constraints == "" {
		constraints = view.ConstraintsText()
	}

	req := conversation.GenerationRequest{
		System:    []string{g.cfg.SystemPrompt, constraints, g.cfg.IntermediaryNotice},
		History:   g.loadHistory(ctx, pc),
		Prompt:    pc.Text,
		Tools:     tools,
		MaxTokens: g.cfg.MaxTokens,
	}

	gctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	toolCtx := withRun(gctx, pc)

	var calls []string
	for round := 0; ; round++ {
		out, err := g.generator.Generate(gctx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
				g.logger.Warn("generation timed out, using fallback reply",
					"conversation_id", pc.ConversationID(),
					"timeout", g.cfg.Timeout,
					"round", round,
				)
				return pipeline.Continue().WithResponse(g.cfg.TimeoutReply).WithMetadata(MetaTimeout, true)
			}
			return pipeline.Fail(fmt.Errorf("stages: generation: %w", err))
		}

		if len(out.ToolCalls) == 0 || round >= g.cfg.MaxToolRounds {
			text := strings.TrimSpace(out.Text)
			if text == "" {
				return pipeline.Fail(errEmptyGeneration)
			}
			return pipeline.Continue().
				WithResponse(text).
				WithMetadata(MetaProvider, out.Provider).
				WithMetadata(MetaToolCalls, calls)
		}

		turn := conversation.ToolTurn{Text: out.Text, Calls: out.ToolCalls}
		for _, call := range out.ToolCalls {
			calls = append(calls, call.Name)
			turn.Results = append(turn.Results, g.invoke(toolCtx, view, pc, call))
		}
		req.ToolTurns = append(req.ToolTurns, turn)
	}
}

func (g *Generation) invoke(ctx context.Context, view capabilities.View, pc *pipeline.Context, call conversation.ToolCall) conversation.ToolResult {
	result := conversation.ToolResult{CallID: call.ID, Name: call.Name}
	content, err := g.registry.Dispatch(ctx, view, call.Name, call.Input)
	if err != nil {
		var unknown *capabilities.UnknownToolError
		var forbidden *capabilities.ForbiddenToolError
		switch {
		case errors.As(err, &unknown), errors.As(err, &forbidden):
			g.logger.Warn("model requested unavailable tool", "tool", call.Name, "mode", view.Mode(), "conversation_id", pc.ConversationID())
			result.Content = "This tool is not available right now."
		default:
			g.logger.Warn("tool failed", "tool", call.Name, "conversation_id", pc.ConversationID(), "error", err)
			result.Content = "Tool error: " + err.Error()
		}
		result.IsError = true
		return result
	}
	result.Content = content
	return result
}

func (g *Generation) loadHistory(ctx context.Context, pc *pipeline.Context) []conversation.ChatMessage {
	if g.history == nil || pc.Conversation == nil {
		return nil
	}
	history, err := g.history.Load(ctx, pc.Conversation.ID, g.cfg.HistoryLimit)
	if err != nil {
		g.logger.Warn("failed to load history", "conversation_id", pc.Conversation.ID, "error", err)
		return nil
	}
	return history
}
