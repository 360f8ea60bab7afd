package conversation

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/internal/capabilities"
)

func TestGeminiContentsOrdersTurns(t *testing.T) {
	contents, err := geminiContents(GenerationRequest{
		History: []ChatMessage{
			{Role: ChatRoleAssistant, Content: "Olá!"},
			{Role: ChatRoleUser, Content: "oi"},
		},
		Prompt: "quero agendar",
		ToolTurns: []ToolTurn{{
			Text:    "vou verificar",
			Calls:   []ToolCall{{ID: "c1", Name: "lookup_service_info", Input: map[string]any{"topic": "agenda"}}},
			Results: []ToolResult{{CallID: "c1", Name: "lookup_service_info", Content: "seg-sex"}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, contents, 4)

	assert.Equal(t, "model", contents[0].Role)
	assert.Equal(t, "user", contents[1].Role)
	assert.Len(t, contents[1].Parts, 2, "history user turn merges with prompt")
	assert.Equal(t, "model", contents[2].Role)
	call, ok := contents[2].Parts[1].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "agenda", call.Args["topic"])

	resp, ok := contents[3].Parts[0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"result": "seg-sex"}, resp.Response)
}

func TestGeminiContentsRequiresPrompt(t *testing.T) {
	_, err := geminiContents(GenerationRequest{})
	assert.Error(t, err)
}

func TestGeminiSchemaConversion(t *testing.T) {
	tools := geminiTools(GenerationRequest{Tools: []capabilities.Tool{{
		Name:        "record_interest",
		Description: "Record interest",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service": map[string]any{"type": "string", "description": "service name"},
				"level":   map[string]any{"type": "string", "enum": []any{"low", "high"}},
				"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"count":   map[string]any{"type": "integer"},
			},
			"required": []any{"service"},
		},
	}, {Name: "request_handoff"}}})

	require.Len(t, tools, 1)
	decls := tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	s := decls[0].Parameters
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"service"}, s.Required)
	assert.Equal(t, "service name", s.Properties["service"].Description)
	assert.Equal(t, []string{"low", "high"}, s.Properties["level"].Enum)
	assert.Equal(t, genai.TypeArray, s.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["count"].Type)

	assert.Equal(t, genai.TypeObject, decls[1].Parameters.Type)
}

func TestGeminiGeneration(t *testing.T) {
	gen, err := geminiGeneration(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text(" Claro! "),
			genai.FunctionCall{Name: "record_interest", Args: map[string]any{"service": "consulta"}},
		}},
		FinishReason: genai.FinishReasonStop,
	}}})
	require.NoError(t, err)
	assert.Equal(t, "Claro!", gen.Text)
	require.Len(t, gen.ToolCalls, 1)
	assert.Equal(t, "record_interest", gen.ToolCalls[0].Name)
	assert.NotEmpty(t, gen.ToolCalls[0].ID)

	_, err = geminiGeneration(&genai.GenerateContentResponse{})
	assert.Error(t, err)
	_, err = geminiGeneration(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{}}}})
	assert.Error(t, err)
}
