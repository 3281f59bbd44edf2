// Package executor runs prompt-chain tools: it resolves each prompt's
// variables and knowledge context, invokes the target model with retry and
// circuit breaker protection, and records per-step and per-execution state.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ToolStatus is the review state of a tool definition
type ToolStatus string

const (
	ToolDraft           ToolStatus = "draft"
	ToolPendingApproval ToolStatus = "pending_approval"
	ToolApproved        ToolStatus = "approved"
	ToolRejected        ToolStatus = "rejected"
)

// FieldType is the shape of one user-submitted input value
type FieldType string

const (
	FieldShortText   FieldType = "short_text"
	FieldLongText    FieldType = "long_text"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multi_select"
)

// OnErrorPolicy controls how a step failure cascades through the chain
type OnErrorPolicy string

const (
	// AbortDependents fails only steps that depend, directly or
	// transitively, on the failed step's output (the default)
	AbortDependents OnErrorPolicy = "abort_dependents"
	// AbortAll fails every step not yet started
	AbortAll OnErrorPolicy = "abort_all"
	// ContinueOnError keeps running independent steps; the execution is
	// still marked failed at the end
	ContinueOnError OnErrorPolicy = "continue"
)

// SelectOption is one choice of a select or multi_select field
type SelectOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// InputField defines one element of a tool's execution input. Immutable
// during an execution.
type InputField struct {
	ID       string         `yaml:"id" json:"id"`
	ToolID   string         `yaml:"-" json:"toolId"`
	Name     string         `yaml:"name" json:"name"`
	Type     FieldType      `yaml:"type" json:"type"`
	Position int            `yaml:"position" json:"position"`
	Options  []SelectOption `yaml:"options,omitempty" json:"options,omitempty"`
}

// ChainPrompt is one step of a tool's prompt chain
type ChainPrompt struct {
	ID            string `yaml:"id" json:"id"`
	ToolID        string `yaml:"-" json:"toolId"`
	Name          string `yaml:"name" json:"name"`
	Content       string `yaml:"content" json:"content"`
	SystemContext string `yaml:"systemContext,omitempty" json:"systemContext,omitempty"`

	Provider string `yaml:"provider" json:"provider"`
	ModelID  string `yaml:"model" json:"modelId"`

	Position      int  `yaml:"position" json:"position"`
	ParallelGroup *int `yaml:"parallelGroup,omitempty" json:"parallelGroup,omitempty"`

	// InputMapping resolves $variable names to an input field name or an
	// earlier prompt's id or name. Forward references are a configuration
	// error.
	InputMapping map[string]string `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`

	RepositoryIDs  []string `yaml:"repositoryIds,omitempty" json:"repositoryIds,omitempty"`
	EnabledTools   []string `yaml:"enabledTools,omitempty" json:"enabledTools,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// Tool is a user-authored, admin-approved chain of prompts. Configuration
// is read-only to the engine.
type Tool struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Status      ToolStatus    `yaml:"status" json:"status"`
	CreatorID   string        `yaml:"creatorId,omitempty" json:"creatorId,omitempty"`
	OnError     OnErrorPolicy `yaml:"onError,omitempty" json:"onError,omitempty"`
	Fields      []InputField  `yaml:"fields" json:"fields"`
	Prompts     []ChainPrompt `yaml:"prompts" json:"prompts"`
}

// ErrorPolicy returns the tool's cascade policy, defaulting to
// AbortDependents
func (t *Tool) ErrorPolicy() OnErrorPolicy {
	switch t.OnError {
	case AbortAll, ContinueOnError:
		return t.OnError
	default:
		return AbortDependents
	}
}

// FieldByName returns the input field with the given name
func (t *Tool) FieldByName(name string) *InputField {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// ExecutionStatus is the lifecycle state of one tool run
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one run of a tool against a concrete input payload
type Execution struct {
	ID     string          `json:"id"`
	ToolID string          `json:"toolId"`
	UserID string          `json:"userId"`
	Status ExecutionStatus `json:"status"`

	Input map[string]interface{} `json:"input"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	TotalInputTokens  int    `json:"totalInputTokens"`
	TotalOutputTokens int    `json:"totalOutputTokens"`
	DurationMs        int64  `json:"durationMs"`
	Error             string `json:"error,omitempty"`
}

// PromptStatus is the lifecycle state of one step within an execution
type PromptStatus string

const (
	PromptPending   PromptStatus = "pending"
	PromptRunning   PromptStatus = "running"
	PromptCompleted PromptStatus = "completed"
	PromptFailed    PromptStatus = "failed"
)

// Terminal reports whether the status is final
func (s PromptStatus) Terminal() bool {
	return s == PromptCompleted || s == PromptFailed
}

// PromptResult is one chain prompt's outcome within an execution. It is
// created when the step begins, updated in place while it runs, and
// immutable once terminal.
type PromptResult struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"executionId"`
	PromptID    string       `json:"promptId"`
	PromptName  string       `json:"promptName"`
	Status      PromptStatus `json:"status"`

	ResolvedInput string `json:"resolvedInput,omitempty"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Store is the persistence boundary for executions. Tool configuration is
// read-only; Execution and PromptResult rows are created and mutated only
// by the orchestrator for the lifetime of one run.
type Store interface {
	GetTool(ctx context.Context, toolID string) (*Tool, error)

	CreateExecution(ctx context.Context, ex *Execution) error
	UpdateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)

	CreatePromptResult(ctx context.Context, pr *PromptResult) error
	UpdatePromptResult(ctx context.Context, pr *PromptResult) error
	ListPromptResults(ctx context.Context, executionID string) ([]PromptResult, error)
}

// ValidateInput checks submitted values against the tool's field types.
// Unknown keys and type mismatches are validation errors; fields with no
// submitted value are allowed and surface later only if a prompt references
// them.
func ValidateInput(tool *Tool, values map[string]interface{}) error {
	for name, value := range values {
		field := tool.FieldByName(name)
		if field == nil {
			return fmt.Errorf("unknown input field %q", name)
		}
		if err := validateFieldValue(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldValue(field *InputField, value interface{}) error {
	switch field.Type {
	case FieldShortText, FieldLongText:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %q expects a string, got %T", field.Name, value)
		}
	case FieldSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q expects a string, got %T", field.Name, value)
		}
		if !optionAllowed(field.Options, s) {
			return fmt.Errorf("field %q: %q is not one of the allowed options", field.Name, s)
		}
	case FieldMultiSelect:
		items, err := stringSlice(value)
		if err != nil {
			return fmt.Errorf("field %q expects a list of strings: %v", field.Name, err)
		}
		for _, item := range items {
			if !optionAllowed(field.Options, item) {
				return fmt.Errorf("field %q: %q is not one of the allowed options", field.Name, item)
			}
		}
	default:
		return fmt.Errorf("field %q has unknown type %q", field.Name, field.Type)
	}
	return nil
}

func optionAllowed(options []SelectOption, value string) bool {
	if len(options) == 0 {
		return true
	}
	for _, opt := range options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

func stringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is %T", item, item)
			}
			items = append(items, s)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("got %T", value)
	}
}

// formatValue renders a submitted input value for substitution into a
// prompt. Multi-select lists are joined with commas.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ", ")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
