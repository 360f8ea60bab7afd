package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiGenerator implements Generator with Google's Gemini API.
type GeminiGenerator struct {
	client  *genai.Client
	modelID string
}

// NewGeminiGenerator creates a Gemini generator. An empty model id uses
// gemini-2.5-flash.
func NewGeminiGenerator(ctx context.Context, apiKey, modelID string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("conversation: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, modelID: modelID}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerationRequest) (Generation, error) {
	ctx, span := generatorTracer.Start(ctx, "conversation.gemini.generate")
	defer span.End()

	model := g.client.GenerativeModel(g.modelID)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if system := strings.TrimSpace(strings.Join(req.System, "\n\n")); system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	if len(req.Tools) > 0 {
		model.Tools = geminiTools(req)
	}

	contents, err := geminiContents(req)
	if err != nil {
		return Generation{}, err
	}
	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		span.RecordError(err)
		return Generation{}, fmt.Errorf("conversation: gemini completion failed: %w", err)
	}
	gen, err := geminiGeneration(resp)
	if err != nil {
		return Generation{}, err
	}
	gen.Provider = g.Name()
	return gen, nil
}

// Close releases resources held by the Gemini client.
func (g *GeminiGenerator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func geminiContents(req GenerationRequest) ([]*genai.Content, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("conversation: prompt is required")
	}
	var contents []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	for _, msg := range req.History {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := "user"
		if msg.Role == ChatRoleAssistant {
			role = "model"
		}
		add(role, genai.Text(content))
	}
	add("user", genai.Text(req.Prompt))
	for _, turn := range req.ToolTurns {
		var calls []genai.Part
		if strings.TrimSpace(turn.Text) != "" {
			calls = append(calls, genai.Text(turn.Text))
		}
		for _, c := range turn.Calls {
			calls = append(calls, genai.FunctionCall{Name: c.Name, Args: nonNilMap(c.Input)})
		}
		add("model", calls...)
		var results []genai.Part
		for _, r := range turn.Results {
			key := "result"
			if r.IsError {
				key = "error"
			}
			results = append(results, genai.FunctionResponse{Name: r.Name, Response: map[string]any{key: r.Content}})
		}
		add("user", results...)
	}
	return contents, nil
}

func geminiTools(req GenerationRequest) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(schemaOrEmpty(t.InputSchema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts the JSON-schema subset used by tool definitions.
func geminiSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{}
	switch s["type"] {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	default:
		out.Type = genai.TypeObject
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				out.Enum = append(out.Enum, v)
			}
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	if props, ok := s["properties"].(map[string]any); ok && len(props) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = geminiSchema(pm)
			}
		}
	}
	switch req := s["required"].(type) {
	case []string:
		out.Required = append(out.Required, req...)
	case []any:
		for _, r := range req {
			if v, ok := r.(string); ok {
				out.Required = append(out.Required, v)
			}
		}
	}
	return out
}

func geminiGeneration(resp *genai.GenerateContentResponse) (Generation, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Generation{}, errors.New("conversation: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return Generation{}, errors.New("conversation: gemini returned empty content")
	}
	var (
		text strings.Builder
		gen  Generation
	)
	for i, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			gen.ToolCalls = append(gen.ToolCalls, ToolCall{
				ID:    fmt.Sprintf("gemini-%d-%s", i, p.Name),
				Name:  p.Name,
				Input: nonNilMap(p.Args),
			})
		}
	}
	gen.Text = strings.TrimSpace(text.String())
	gen.StopReason = candidate.FinishReason.String()
	if gen.Text == "" && len(gen.ToolCalls) == 0 {
		return Generation{}, errors.New("conversation: gemini returned no text or function call")
	}
	return gen, nil
}
