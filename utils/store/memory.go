// Package store persists tools, executions, and prompt results. The SQL
// implementation speaks to Postgres through an injected data-access
// interface; the in-memory implementation backs tests and local CLI runs.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/psd-ai/studio/utils/executor"
)

// MemoryStore is an in-memory executor.Store
type MemoryStore struct {
	mu         sync.RWMutex
	tools      map[string]*executor.Tool
	executions map[string]*executor.Execution
	results    map[string][]*executor.PromptResult
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:      make(map[string]*executor.Tool),
		executions: make(map[string]*executor.Execution),
		results:    make(map[string][]*executor.PromptResult),
	}
}

// AddTool seeds a tool definition
func (m *MemoryStore) AddTool(tool *executor.Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *tool
	m.tools[tool.ID] = &copied
}

// GetTool implements executor.Store
func (m *MemoryStore) GetTool(_ context.Context, toolID string) (*executor.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.tools[toolID]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", toolID)
	}
	copied := *tool
	return &copied, nil
}

// CreateExecution implements executor.Store
func (m *MemoryStore) CreateExecution(_ context.Context, ex *executor.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ex.ID]; exists {
		return fmt.Errorf("execution %q already exists", ex.ID)
	}
	copied := *ex
	m.executions[ex.ID] = &copied
	return nil
}

// UpdateExecution implements executor.Store
func (m *MemoryStore) UpdateExecution(_ context.Context, ex *executor.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ex.ID]; !exists {
		return fmt.Errorf("execution %q not found", ex.ID)
	}
	copied := *ex
	m.executions[ex.ID] = &copied
	return nil
}

// GetExecution implements executor.Store
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*executor.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q not found", id)
	}
	copied := *ex
	return &copied, nil
}

// CreatePromptResult implements executor.Store
func (m *MemoryStore) CreatePromptResult(_ context.Context, pr *executor.PromptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *pr
	m.results[pr.ExecutionID] = append(m.results[pr.ExecutionID], &copied)
	return nil
}

// UpdatePromptResult implements executor.Store
func (m *MemoryStore) UpdatePromptResult(_ context.Context, pr *executor.PromptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.results[pr.ExecutionID] {
		if existing.ID == pr.ID {
			copied := *pr
			m.results[pr.ExecutionID][i] = &copied
			return nil
		}
	}
	return fmt.Errorf("prompt result %q not found", pr.ID)
}

// ListPromptResults implements executor.Store
func (m *MemoryStore) ListPromptResults(_ context.Context, executionID string) ([]executor.PromptResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]executor.PromptResult, 0, len(m.results[executionID]))
	for _, pr := range m.results[executionID] {
		results = append(results, *pr)
	}
	return results, nil
}
