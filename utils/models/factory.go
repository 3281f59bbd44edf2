package models

import (
	"context"
	"sync"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/errs"
)

// Supported provider tags
const (
	ProviderOpenAI  = "openai"
	ProviderAzure   = "azure"
	ProviderGoogle  = "google"
	ProviderBedrock = "amazon-bedrock"
)

// providerConstructors maps a provider tag to its constructor. Unsupported
// providers are a single lookup miss rather than a switch fallthrough.
var providerConstructors = map[string]func() Provider{
	ProviderOpenAI:  func() Provider { return NewOpenAIProvider() },
	ProviderAzure:   func() Provider { return NewAzureProvider() },
	ProviderGoogle:  func() Provider { return NewGoogleProvider() },
	ProviderBedrock: func() Provider { return NewBedrockProvider() },
}

// SupportedProviders returns the set of provider tags the factory accepts
func SupportedProviders() []string {
	return []string{ProviderOpenAI, ProviderAzure, ProviderGoogle, ProviderBedrock}
}

// ModelHandle is a lazy, callable handle to one model on one provider.
// Creating a handle performs no network I/O.
type ModelHandle struct {
	Provider Provider
	ModelID  string
}

// Generate sends the request to the handle's model
func (h *ModelHandle) Generate(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	return h.Provider.SendPrompt(ctx, h.ModelID, req)
}

// Factory creates configured provider model handles. Configured providers
// are cached so every execution in the process shares one instance per
// provider.
type Factory struct {
	settings Settings
	verbose  bool

	mu    sync.Mutex
	cache map[string]Provider
}

// NewFactory creates a Factory reading credentials through settings
func NewFactory(settings Settings) *Factory {
	return &Factory{
		settings: settings,
		cache:    make(map[string]Provider),
	}
}

// SetVerbose toggles verbose logging on the factory and all cached providers
func (f *Factory) SetVerbose(verbose bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verbose = verbose
	for _, p := range f.cache {
		p.SetVerbose(verbose)
	}
}

// RegisterProvider installs an already-configured provider under the
// given tag, replacing any cached instance
func (f *Factory) RegisterProvider(name string, p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[name] = p
}

// CreateProviderModel returns a lazy handle for the given provider and
// model. It fails with a ValidationError for providers outside the
// supported set and a ConfigurationError when the provider's credentials
// are absent.
func (f *Factory) CreateProviderModel(provider, modelID string) (*ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.cache[provider]
	if !ok {
		construct, known := providerConstructors[provider]
		if !known {
			return nil, errs.NewValidationError("provider", "unsupported provider %q", provider)
		}
		p = construct()
		p.SetVerbose(f.verbose)
		if err := p.Configure(f.settings); err != nil {
			return nil, err
		}
		f.cache[provider] = p
	}

	if !p.SupportsModel(modelID) {
		config.DebugLog("[Factory] provider %s does not list model %s; passing through", provider, modelID)
	}

	return &ModelHandle{Provider: p, ModelID: modelID}, nil
}
