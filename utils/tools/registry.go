// Package tools provides the auxiliary tool runtime that enriches prompt
// context before a model call. Tools are gated per model by the capability
// registry; this package only executes them.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/psd-ai/studio/utils/config"
)

// Tool executes a single named capability against a prompt
type Tool interface {
	Name() string
	Run(ctx context.Context, input string) (string, error)
}

// Registry dispatches tool invocations by name
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the default tool set
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(NewWebSearchTool(nil))
	r.Register(NewInterpreterTool(nil))
	return r
}

// Register adds or replaces a tool
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Run executes the named tool
func (r *Registry) Run(ctx context.Context, toolName string, input string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", toolName)
	}
	config.DebugLog("[Tools] Running %s", toolName)
	return t.Run(ctx, input)
}

// Names returns the registered tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
