package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/psd-ai/studio/utils/errs"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider handles the OpenAI family of models
type OpenAIProvider struct {
	apiKey  string
	config  ModelConfig
	verbose bool
	mu      sync.Mutex
	client  *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{
		config: ModelConfig{
			Temperature: 0.7,
			MaxTokens:   2000,
			TopP:        1.0,
		},
	}
}

// debugf prints debug information if verbose mode is enabled (thread-safe)
func (o *OpenAIProvider) debugf(format string, args ...interface{}) {
	if o.verbose {
		o.mu.Lock()
		defer o.mu.Unlock()
		log.Printf("[DEBUG][OpenAI] "+format+"\n", args...)
	}
}

// Name returns the provider name
func (o *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// SupportsModel checks if the given model name is served by OpenAI
func (o *OpenAIProvider) SupportsModel(modelName string) bool {
	return GetRegistry().Supports(ProviderOpenAI, modelName)
}

// Configure sets up the provider with credentials from settings
func (o *OpenAIProvider) Configure(settings Settings) error {
	key := settings.OpenAIAPIKey()
	if key == "" {
		return errs.NewConfigurationError("openai", "missing API key")
	}
	o.apiKey = key
	o.client = openai.NewClient(key)
	o.debugf("OpenAI provider configured")
	return nil
}

// SetVerbose enables or disables verbose logging
func (o *OpenAIProvider) SetVerbose(verbose bool) {
	o.verbose = verbose
}

// SendPrompt sends a prompt to the specified model and returns the response
func (o *OpenAIProvider) SendPrompt(ctx context.Context, modelName string, req PromptRequest) (*PromptResponse, error) {
	if o.client == nil {
		return nil, errs.NewConfigurationError("openai", "provider not configured")
	}
	o.debugf("Sending prompt to model %s (%d chars)", modelName, len(req.Prompt))

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

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: float32(o.config.Temperature),
		MaxTokens:   o.config.MaxTokens,
	})
	if err != nil {
		return nil, classifyOpenAIError(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned from OpenAI")
	}

	o.debugf("Received response: %d prompt tokens, %d completion tokens",
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &PromptResponse{
		Output:       resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyOpenAIError maps SDK errors onto the engine taxonomy so the retry
// layer does not have to parse OpenAI message strings
func classifyOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError:
			return &errs.ProviderTransientError{
				Provider:   provider,
				StatusCode: apiErr.HTTPStatusCode,
				Err:        err,
			}
		case apiErr.HTTPStatusCode == http.StatusUnauthorized ||
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return errs.NewConfigurationError(provider, "authentication failed: %v", err)
		}
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") {
		return &errs.ProviderTransientError{Provider: provider, Err: err}
	}
	return err
}
