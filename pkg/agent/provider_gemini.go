package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/api/option"

	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider. Close releases the client.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Close closes the underlying client
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// Call makes an API call to Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	model := p.client.GenerativeModel(request.Model)
	if request.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(request.SystemPrompt)}}
	}
	if request.Temperature > 0 {
		model.SetTemperature(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(request.MaxTokens))
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, schema := range request.Tools {
			decls = append(decls, functionDeclaration(schema))
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents, err := geminiContents(request.Messages)
	if err != nil {
		return nil, err
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, fmt.Errorf("gemini history must end with a user turn, got %q", last.Role)
	}

	session := model.StartChat()
	session.History = contents[:len(contents)-1]
	response, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, err
	}
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response candidates returned")
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, part := range response.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			content += string(v)
		case genai.FunctionCall:
			id, err := gonanoid.New()
			if err != nil {
				return nil, fmt.Errorf("failed to generate tool call id: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{ID: id, Name: v.Name, Parameters: v.Args})
		}
	}

	resp := &LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Stop:      len(toolCalls) == 0,
	}
	if response.UsageMetadata != nil {
		resp.Usage = &TokenUsage{
			InputTokens:  int(response.UsageMetadata.PromptTokenCount),
			OutputTokens: int(response.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

// geminiContents converts history into alternating user/model contents.
// Tool results are sent back as function responses in a user turn.
func geminiContents(messages []AgentMessage) ([]*genai.Content, error) {
	var contents []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			add("user", genai.Text(msg.Content))
		case "assistant":
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Parameters})
			}
			if len(parts) > 0 {
				add("model", parts...)
			}
		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			if msg.IsError {
				response = map[string]any{"error": msg.Content}
			}
			add("user", genai.FunctionResponse{Name: msg.ToolName, Response: response})
		}
	}

	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}
	return contents, nil
}

func functionDeclaration(schema tool.Schema) *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        schema.Name,
		Description: schema.Description,
		Parameters:  geminiSchema(schema.InputSchema),
	}
}

// geminiSchema converts a JSON Schema fragment into the genai schema subset
func geminiSchema(src map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch src["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	if desc, ok := src["description"].(string); ok {
		s.Description = desc
	}

	if props, ok := src["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				s.Properties[name] = geminiSchema(prop)
			}
		}
	}
	if req, ok := src["required"].([]string); ok {
		s.Required = req
	}
	if items, ok := src["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}

	// genai only accepts enums on strings
	if s.Type == genai.TypeString {
		switch enum := src["enum"].(type) {
		case []string:
			s.Enum = enum
		case []any:
			for _, v := range enum {
				s.Enum = append(s.Enum, fmt.Sprint(v))
			}
		}
	}
	return s
}
