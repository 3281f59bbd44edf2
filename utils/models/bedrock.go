package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/psd-ai/studio/utils/errs"
)

// BedrockProvider handles foundation models hosted on Amazon Bedrock via
// the Converse API. Credentials prefer the ambient AWS chain (environment,
// IAM role); explicit stored keys are used only when configured, for local
// development.
type BedrockProvider struct {
	region          string
	accessKeyID     string
	secretAccessKey string
	sessionToken    string

	config  ModelConfig
	verbose bool
	mu      sync.Mutex
	client  *bedrockruntime.Client
}

// NewBedrockProvider creates a new Bedrock provider instance
func NewBedrockProvider() *BedrockProvider {
	return &BedrockProvider{
		config: ModelConfig{
			Temperature: 0.7,
			MaxTokens:   2000,
			TopP:        1.0,
		},
	}
}

// debugf prints debug information if verbose mode is enabled (thread-safe)
func (b *BedrockProvider) debugf(format string, args ...interface{}) {
	if b.verbose {
		log.Printf("[DEBUG][Bedrock] "+format+"\n", args...)
	}
}

// Name returns the provider name
func (b *BedrockProvider) Name() string {
	return ProviderBedrock
}

// SupportsModel checks if the given model identifier is a Bedrock model
func (b *BedrockProvider) SupportsModel(modelName string) bool {
	return GetRegistry().Supports(ProviderBedrock, modelName)
}

// Configure sets up the provider from settings. The AWS client is created
// on first use; this only records region and the optional explicit keys.
func (b *BedrockProvider) Configure(settings Settings) error {
	b.region = settings.BedrockRegion()
	if b.region == "" {
		return errs.NewConfigurationError("amazon-bedrock", "missing region")
	}
	b.accessKeyID, b.secretAccessKey, b.sessionToken = settings.BedrockCredentials()
	b.debugf("Bedrock provider configured for region %s", b.region)
	return nil
}

// SetVerbose enables or disables verbose logging
func (b *BedrockProvider) SetVerbose(verbose bool) {
	b.verbose = verbose
}

func (b *BedrockProvider) getClient(ctx context.Context) (*bedrockruntime.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(b.region),
	}
	if b.accessKeyID != "" && b.secretAccessKey != "" {
		b.debugf("Using explicit credentials (local development)")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.accessKeyID, b.secretAccessKey, b.sessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.NewConfigurationError("amazon-bedrock", "failed to load AWS config: %v", err)
	}
	b.client = bedrockruntime.NewFromConfig(awsCfg)
	return b.client, nil
}

// SendPrompt sends a prompt to the specified model and returns the response
func (b *BedrockProvider) SendPrompt(ctx context.Context, modelName string, req PromptRequest) (*PromptResponse, error) {
	if b.region == "" {
		return nil, errs.NewConfigurationError("amazon-bedrock", "provider not configured")
	}
	client, err := b.getClient(ctx)
	if err != nil {
		return nil, err
	}
	b.debugf("Sending prompt to model %s (%d chars)", modelName, len(req.Prompt))

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelName),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(b.config.MaxTokens)),
			Temperature: aws.Float32(float32(b.config.Temperature)),
		},
	}
	if req.SystemContext != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemContext},
		}
	}

	out, err := client.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || len(msg.Value.Content) == 0 {
		return nil, fmt.Errorf("no response content returned from Bedrock")
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}

	resp := &PromptResponse{Output: sb.String()}
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			resp.InputTokens = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			resp.OutputTokens = int(*out.Usage.OutputTokens)
		}
	}
	return resp, nil
}

func classifyBedrockError(err error) error {
	var throttle *types.ThrottlingException
	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException
	switch {
	case errors.As(err, &throttle):
		return &errs.ProviderTransientError{Provider: ProviderBedrock, StatusCode: 429, Err: err}
	case errors.As(err, &unavailable):
		return &errs.ProviderTransientError{Provider: ProviderBedrock, StatusCode: 503, Err: err}
	case errors.As(err, &internal):
		return &errs.ProviderTransientError{Provider: ProviderBedrock, StatusCode: 500, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") {
		return &errs.ProviderTransientError{Provider: ProviderBedrock, Err: err}
	}
	return err
}
