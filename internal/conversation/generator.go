package conversation

import (
	"context"

	"github.com/wolfman30/chat-agent/internal/capabilities"
)

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is one prior turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ToolTurn is one round of model tool calls and their results, replayed on
// the next generation request.
type ToolTurn struct {
	Text    string
	Calls   []ToolCall
	Results []ToolResult
}

// GenerationRequest is the provider-neutral generation input.
type GenerationRequest struct {
	System    []string
	History   []ChatMessage
	Prompt    string
	Tools     []capabilities.Tool
	ToolTurns []ToolTurn
	MaxTokens int32
}

// Generation is the model output. ToolCalls non-empty means the model wants
// tool results before answering.
type Generation struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Provider   string
}

// Generator produces a reply.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
}
