package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/psd-ai/studio/utils/errs"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleProvider handles the Gemini family of models
type GoogleProvider struct {
	apiKey  string
	config  ModelConfig
	verbose bool
	mu      sync.Mutex
	client  *genai.Client
}

// NewGoogleProvider creates a new Google provider instance
func NewGoogleProvider() *GoogleProvider {
	return &GoogleProvider{
		config: ModelConfig{
			Temperature: 0.7,
			MaxTokens:   2000,
			TopP:        1.0,
		},
	}
}

// debugf prints debug information if verbose mode is enabled (thread-safe)
func (g *GoogleProvider) debugf(format string, args ...interface{}) {
	if g.verbose {
		log.Printf("[DEBUG][Google] "+format+"\n", args...)
	}
}

// Name returns the provider name
func (g *GoogleProvider) Name() string {
	return ProviderGoogle
}

// SupportsModel checks if the given model name is served by Google
func (g *GoogleProvider) SupportsModel(modelName string) bool {
	return GetRegistry().Supports(ProviderGoogle, modelName)
}

// Configure sets up the provider with credentials from settings. The genai
// client is created on first use so configuration stays free of I/O.
func (g *GoogleProvider) Configure(settings Settings) error {
	key := settings.GoogleAPIKey()
	if key == "" {
		return errs.NewConfigurationError("google", "missing API key")
	}
	g.apiKey = key
	g.debugf("Google provider configured")
	return nil
}

// SetVerbose enables or disables verbose logging
func (g *GoogleProvider) SetVerbose(verbose bool) {
	g.verbose = verbose
}

func (g *GoogleProvider) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, errs.NewConfigurationError("google", "failed to create client: %v", err)
	}
	g.client = client
	return client, nil
}

// SendPrompt sends a prompt to the specified model and returns the response
func (g *GoogleProvider) SendPrompt(ctx context.Context, modelName string, req PromptRequest) (*PromptResponse, error) {
	if g.apiKey == "" {
		return nil, errs.NewConfigurationError("google", "provider not configured")
	}
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}
	g.debugf("Sending prompt to model %s (%d chars)", modelName, len(req.Prompt))

	model := client.GenerativeModel(modelName)
	temp := float32(g.config.Temperature)
	model.Temperature = &temp
	if req.SystemContext != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemContext)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response candidates returned from Google")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	out := &PromptResponse{Output: sb.String()}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return &errs.ProviderTransientError{Provider: ProviderGoogle, StatusCode: apiErr.Code, Err: err}
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return errs.NewConfigurationError("google", "authentication failed: %v", err)
		}
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "deadline") {
		return &errs.ProviderTransientError{Provider: ProviderGoogle, Err: err}
	}
	return err
}
