package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var generatorTracer = otel.Tracer("chatagent.internal.conversation.generator")

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockGenerator calls the Bedrock Converse API with tool configuration.
type BedrockGenerator struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockGenerator(api bedrockConverseAPI, modelID string) *BedrockGenerator {
	if api == nil {
		panic("conversation: bedrock converse client cannot be nil")
	}
	return &BedrockGenerator{api: api, modelID: modelID}
}

func (g *BedrockGenerator) Name() string { return "bedrock" }

func (g *BedrockGenerator) Generate(ctx context.Context, req GenerationRequest) (Generation, error) {
	if strings.TrimSpace(g.modelID) == "" {
		return Generation{}, errors.New("conversation: bedrock model id is required")
	}
	ctx, span := generatorTracer.Start(ctx, "conversation.bedrock.converse")
	defer span.End()
	span.SetAttributes(attribute.String("chatagent.model", g.modelID), attribute.Int("chatagent.tools", len(req.Tools)))

	input, err := g.buildInput(req)
	if err != nil {
		return Generation{}, err
	}
	out, err := g.api.Converse(ctx, input)
	if err != nil {
		span.RecordError(err)
		return Generation{}, fmt.Errorf("conversation: bedrock converse: %w", err)
	}
	gen, err := bedrockGeneration(out)
	if err != nil {
		span.RecordError(err)
		return Generation{}, err
	}
	gen.Provider = g.Name()
	return gen, nil
}

func (g *BedrockGenerator) buildInput(req GenerationRequest) (*bedrockruntime.ConverseInput, error) {
	system := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) != "" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: block})
		}
	}

	messages := make([]brtypes.Message, 0, len(req.History)+1+2*len(req.ToolTurns))
	for _, msg := range req.History {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch msg.Role {
		case ChatRoleUser:
			role = brtypes.ConversationRoleUser
		case ChatRoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("conversation: unsupported role %q", msg.Role)
		}
		messages = appendMessage(messages, role, &brtypes.ContentBlockMemberText{Value: content})
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("conversation: prompt is required")
	}
	messages = appendMessage(messages, brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: req.Prompt})

	for _, turn := range req.ToolTurns {
		var calls []brtypes.ContentBlock
		if strings.TrimSpace(turn.Text) != "" {
			calls = append(calls, &brtypes.ContentBlockMemberText{Value: turn.Text})
		}
		for _, c := range turn.Calls {
			calls = append(calls, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(c.ID),
				Name:      aws.String(c.Name),
				Input:     document.NewLazyDocument(nonNilMap(c.Input)),
			}})
		}
		messages = appendMessage(messages, brtypes.ConversationRoleAssistant, calls...)

		var results []brtypes.ContentBlock
		for _, r := range turn.Results {
			block := brtypes.ToolResultBlock{
				ToolUseId: aws.String(r.CallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: r.Content}},
			}
			if r.IsError {
				block.Status = brtypes.ToolResultStatusError
			}
			results = append(results, &brtypes.ContentBlockMemberToolResult{Value: block})
		}
		messages = appendMessage(messages, brtypes.ConversationRoleUser, results...)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(g.modelID),
		System:   system,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(req.MaxTokens)}
	}
	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaOrEmpty(t.InputSchema))},
			}})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}
	return input, nil
}

// appendMessage merges consecutive same-role blocks; Converse requires
// alternating roles.
func appendMessage(messages []brtypes.Message, role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) []brtypes.Message {
	if len(blocks) == 0 {
		return messages
	}
	if n := len(messages); n > 0 && messages[n-1].Role == role {
		messages[n-1].Content = append(messages[n-1].Content, blocks...)
		return messages
	}
	return append(messages, brtypes.Message{Role: role, Content: blocks})
}

func bedrockGeneration(out *bedrockruntime.ConverseOutput) (Generation, error) {
	if out == nil {
		return Generation{}, errors.New("conversation: bedrock response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return Generation{}, errors.New("conversation: bedrock response did not include a message output")
	}
	var (
		text strings.Builder
		gen  Generation
	)
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *brtypes.ContentBlockMemberToolUse:
			input := map[string]any{}
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
					return Generation{}, fmt.Errorf("conversation: decode tool input: %w", err)
				}
			}
			gen.ToolCalls = append(gen.ToolCalls, ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: input,
			})
		}
	}
	gen.Text = strings.TrimSpace(text.String())
	gen.StopReason = string(out.StopReason)
	if gen.Text == "" && len(gen.ToolCalls) == 0 {
		return Generation{}, errors.New("conversation: bedrock response contained no text or tool use")
	}
	return gen, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
