package agent

import (
	"context"
	"fmt"

	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []tool.Schema
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	// Stop is false when the model expects to continue after its tool calls run
	Stop  bool
	Usage *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles
type ProviderCreator interface {
	NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK-backed providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	case "gemini":
		return NewGeminiProvider(ctx, profile.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
