package models

import (
	"context"
)

// ModelConfig represents configuration options for model calls
type ModelConfig struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// PromptRequest carries a fully resolved prompt to a provider
type PromptRequest struct {
	Prompt        string
	SystemContext string
}

// PromptResponse is the provider's answer plus token accounting
type PromptResponse struct {
	Output       string
	InputTokens  int
	OutputTokens int
}

// Provider represents a model provider (e.g., OpenAI, Amazon Bedrock).
// Implementations perform no network I/O until SendPrompt is called.
type Provider interface {
	Name() string
	SupportsModel(modelName string) bool
	Configure(settings Settings) error
	SendPrompt(ctx context.Context, modelName string, req PromptRequest) (*PromptResponse, error)
	SetVerbose(verbose bool)
}

// Settings is the credential accessor injected into providers. The engine
// never reads credentials from the environment directly.
type Settings interface {
	OpenAIAPIKey() string
	AzureAPIKey() string
	AzureEndpoint() string
	GoogleAPIKey() string
	BedrockRegion() string
	BedrockCredentials() (accessKeyID, secretAccessKey, sessionToken string)
}
