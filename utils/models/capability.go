package models

import (
	"strings"
	"sync"
)

// Auxiliary tool names a model may be allowed to invoke
const (
	ToolWebSearch       = "webSearch"
	ToolCodeInterpreter = "codeInterpreter"
)

// ToolConfig describes one auxiliary tool available to a model
type ToolConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var toolDescriptions = map[string]string{
	ToolWebSearch:       "Search the web and include result snippets as context",
	ToolCodeInterpreter: "Execute allowlisted shell commands found in the prompt",
}

// capabilityRegistry maps model-family prefixes to the tools those models
// may invoke. Matching is longest-prefix, case-insensitive. Models with no
// entry get no tools.
type capabilityRegistry struct {
	mu       sync.RWMutex
	families map[string][]string
}

var globalCapabilities = newCapabilityRegistry()

func newCapabilityRegistry() *capabilityRegistry {
	r := &capabilityRegistry{families: make(map[string][]string)}

	r.register("gpt-4o", ToolWebSearch, ToolCodeInterpreter)
	r.register("gpt-4.1", ToolWebSearch, ToolCodeInterpreter)
	r.register("gpt-5", ToolWebSearch, ToolCodeInterpreter)
	r.register("o3", ToolWebSearch, ToolCodeInterpreter)
	r.register("o4", ToolWebSearch, ToolCodeInterpreter)
	r.register("gemini-2", ToolWebSearch, ToolCodeInterpreter)
	r.register("gemini-1.5", ToolWebSearch)
	r.register("anthropic.claude-3-5", ToolWebSearch)
	r.register("us.anthropic.claude-3-5", ToolWebSearch)
	r.register("amazon.nova", ToolWebSearch)

	return r
}

func (r *capabilityRegistry) register(familyPrefix string, tools ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[strings.ToLower(familyPrefix)] = tools
}

func (r *capabilityRegistry) toolsFor(modelID string) []ToolConfig {
	modelID = strings.ToLower(modelID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bestPrefix string
	for prefix := range r.families {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
		}
	}
	if bestPrefix == "" {
		return nil
	}
	names := r.families[bestPrefix]
	configs := make([]ToolConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, ToolConfig{Name: name, Description: toolDescriptions[name]})
	}
	return configs
}

// GetAvailableToolsForModel returns the auxiliary tools the given model may
// invoke. Unknown model identifiers return an empty set.
func GetAvailableToolsForModel(modelID string) []ToolConfig {
	return globalCapabilities.toolsFor(modelID)
}

// ModelSupportsTool reports whether a model may invoke the named tool
func ModelSupportsTool(modelID, toolName string) bool {
	for _, tc := range GetAvailableToolsForModel(modelID) {
		if tc.Name == toolName {
			return true
		}
	}
	return false
}

// FilterEnabledTools narrows a prompt's requested tool names down to those
// the model actually supports. Unsupported names are dropped silently.
func FilterEnabledTools(modelID string, enabled []string) []string {
	if len(enabled) == 0 {
		return nil
	}
	var allowed []string
	for _, name := range enabled {
		if ModelSupportsTool(modelID, name) {
			allowed = append(allowed, name)
		}
	}
	return allowed
}
