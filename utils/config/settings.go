package config

// Settings accessor methods. These let the provider layer read credentials
// through a narrow interface instead of touching the environment file
// structure directly.

// OpenAIAPIKey returns the configured OpenAI API key
func (e *EnvConfig) OpenAIAPIKey() string { return e.Providers.OpenAI.APIKey }

// AzureAPIKey returns the configured Azure OpenAI API key
func (e *EnvConfig) AzureAPIKey() string { return e.Providers.Azure.APIKey }

// AzureEndpoint returns the configured Azure OpenAI endpoint
func (e *EnvConfig) AzureEndpoint() string { return e.Providers.Azure.Endpoint }

// GoogleAPIKey returns the configured Google Generative AI API key
func (e *EnvConfig) GoogleAPIKey() string { return e.Providers.Google.APIKey }

// BedrockRegion returns the configured AWS region for Bedrock
func (e *EnvConfig) BedrockRegion() string { return e.Providers.Bedrock.Region }

// BedrockCredentials returns explicit AWS credentials when configured.
// Empty values mean the ambient credential chain should be used.
func (e *EnvConfig) BedrockCredentials() (string, string, string) {
	b := e.Providers.Bedrock
	return b.AccessKeyID, b.SecretAccessKey, b.SessionToken
}
