package models

import (
	"strings"
	"sync"
)

// ModelRegistry is a centralized registry of the models each provider
// serves. Exact names cover the common deployments; family prefixes cover
// dated snapshots and regional variants.
type ModelRegistry struct {
	models   map[string][]string
	families map[string][]string
	mu       sync.RWMutex
}

// Global instance of the model registry
var globalRegistry = NewModelRegistry()

// GetRegistry returns the global model registry
func GetRegistry() *ModelRegistry {
	return globalRegistry
}

// NewModelRegistry creates a new model registry
func NewModelRegistry() *ModelRegistry {
	registry := &ModelRegistry{
		models:   make(map[string][]string),
		families: make(map[string][]string),
	}
	registry.initializeDefaultModels()
	return registry
}

func (r *ModelRegistry) initializeDefaultModels() {
	r.RegisterModels(ProviderOpenAI, []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"gpt-5",
		"gpt-5-mini",
		"o3",
		"o3-mini",
		"o4-mini",
		"chatgpt-4o-latest",
	})
	r.RegisterFamilies(ProviderOpenAI, []string{
		"gpt-",
		"o1",
		"o3",
		"o4",
		"chatgpt-",
	})

	// Azure deployments reuse OpenAI model names; deployment aliases are
	// matched by family.
	r.RegisterModels(ProviderAzure, []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
	})
	r.RegisterFamilies(ProviderAzure, []string{
		"gpt-",
		"o1",
		"o3",
		"o4",
	})

	r.RegisterModels(ProviderGoogle, []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.0-flash",
		"gemini-1.5-pro",
		"gemini-1.5-flash",
	})
	r.RegisterFamilies(ProviderGoogle, []string{
		"gemini-",
	})

	r.RegisterModels(ProviderBedrock, []string{
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"amazon.nova-pro-v1:0",
		"amazon.nova-lite-v1:0",
		"meta.llama3-1-70b-instruct-v1:0",
	})
	r.RegisterFamilies(ProviderBedrock, []string{
		"anthropic.",
		"amazon.",
		"meta.",
		"mistral.",
		"us.anthropic.",
		"us.amazon.",
	})
}

// RegisterModels adds exact model names for a provider
func (r *ModelRegistry) RegisterModels(provider string, models []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[provider] = append(r.models[provider], models...)
}

// RegisterFamilies adds model name prefixes for a provider
func (r *ModelRegistry) RegisterFamilies(provider string, families []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[provider] = append(r.families[provider], families...)
}

// GetModels returns the exact model names registered for a provider
func (r *ModelRegistry) GetModels(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.models[provider]...)
}

// GetFamilies returns the model families registered for a provider
func (r *ModelRegistry) GetFamilies(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.families[provider]...)
}

// Supports reports whether the provider serves the given model, by exact
// match first and family prefix second
func (r *ModelRegistry) Supports(provider, modelName string) bool {
	modelName = strings.ToLower(modelName)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models[provider] {
		if strings.ToLower(m) == modelName {
			return true
		}
	}
	for _, prefix := range r.families[provider] {
		if strings.HasPrefix(modelName, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
