package models

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/psd-ai/studio/utils/errs"
	openai "github.com/sashabaranov/go-openai"
)

// AzureProvider handles Azure OpenAI deployments. Model names are the
// deployment names configured in the Azure resource.
type AzureProvider struct {
	config  ModelConfig
	verbose bool
	mu      sync.Mutex
	client  *openai.Client
}

// NewAzureProvider creates a new Azure OpenAI provider instance
func NewAzureProvider() *AzureProvider {
	return &AzureProvider{
		config: ModelConfig{
			Temperature: 0.7,
			MaxTokens:   2000,
			TopP:        1.0,
		},
	}
}

// debugf prints debug information if verbose mode is enabled (thread-safe)
func (a *AzureProvider) debugf(format string, args ...interface{}) {
	if a.verbose {
		a.mu.Lock()
		defer a.mu.Unlock()
		log.Printf("[DEBUG][Azure] "+format+"\n", args...)
	}
}

// Name returns the provider name
func (a *AzureProvider) Name() string {
	return ProviderAzure
}

// SupportsModel checks if the given model name looks like an Azure OpenAI
// deployment. Deployment names are user-chosen, so family matching is a
// hint rather than a gate.
func (a *AzureProvider) SupportsModel(modelName string) bool {
	return GetRegistry().Supports(ProviderAzure, modelName)
}

// Configure sets up the provider with credentials from settings
func (a *AzureProvider) Configure(settings Settings) error {
	key := settings.AzureAPIKey()
	endpoint := settings.AzureEndpoint()
	if key == "" || endpoint == "" {
		return errs.NewConfigurationError("azure", "missing API key or endpoint")
	}
	cfg := openai.DefaultAzureConfig(key, endpoint)
	a.client = openai.NewClientWithConfig(cfg)
	a.debugf("Azure OpenAI provider configured for %s", endpoint)
	return nil
}

// SetVerbose enables or disables verbose logging
func (a *AzureProvider) SetVerbose(verbose bool) {
	a.verbose = verbose
}

// SendPrompt sends a prompt to the specified deployment and returns the
// response
func (a *AzureProvider) SendPrompt(ctx context.Context, modelName string, req PromptRequest) (*PromptResponse, error) {
	if a.client == nil {
		return nil, errs.NewConfigurationError("azure", "provider not configured")
	}
	a.debugf("Sending prompt to deployment %s (%d chars)", modelName, len(req.Prompt))

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemContext != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemContext,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: float32(a.config.Temperature),
		MaxTokens:   a.config.MaxTokens,
	})
	if err != nil {
		return nil, classifyOpenAIError(ProviderAzure, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned from Azure OpenAI")
	}

	return &PromptResponse{
		Output:       resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
