package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/errs"
	"github.com/psd-ai/studio/utils/knowledge"
	"github.com/psd-ai/studio/utils/models"
	"github.com/psd-ai/studio/utils/retry"
	"golang.org/x/sync/errgroup"
)

// ToolRunner executes one auxiliary tool (web search, code interpreter)
// against the resolved prompt text
type ToolRunner interface {
	Run(ctx context.Context, toolName, input string) (string, error)
}

// Orchestrator walks a tool's prompt chain for one execution: groups steps
// by parallel group, resolves each step's variables and context, invokes
// the model through the provider factory and retry executor, and persists
// every state transition.
type Orchestrator struct {
	store          Store
	factory        *models.Factory
	retrier        *retry.Executor
	searcher       knowledge.Searcher
	tools          ToolRunner
	progress       ProgressWriter
	defaultTimeout time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// NewOrchestrator creates an orchestrator over the given collaborators
func NewOrchestrator(store Store, factory *models.Factory, retrier *retry.Executor, defaultTimeout time.Duration) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:          store,
		factory:        factory,
		retrier:        retrier,
		progress:       NopProgressWriter{},
		defaultTimeout: defaultTimeout,
		active:         make(map[string]bool),
	}
}

// SetProgressWriter replaces the progress destination
func (o *Orchestrator) SetProgressWriter(w ProgressWriter) {
	if w == nil {
		w = NopProgressWriter{}
	}
	o.progress = w
}

// SetSearcher enables knowledge retrieval for prompts with repository ids
func (o *Orchestrator) SetSearcher(s knowledge.Searcher) {
	o.searcher = s
}

// SetToolRunner enables auxiliary tool execution for gated tools
func (o *Orchestrator) SetToolRunner(r ToolRunner) {
	o.tools = r
}

func (o *Orchestrator) emit(ev Event) {
	o.progress.WriteEvent(ev)
}

// Start validates the submitted input against the tool definition and
// creates a pending execution row. Validation failures never create a row.
func (o *Orchestrator) Start(ctx context.Context, toolID, userID string, input map[string]interface{}) (*Execution, error) {
	tool, err := o.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if tool.Status != ToolApproved {
		return nil, errs.NewValidationError("tool", "tool %q is not approved for execution", toolID)
	}
	if err := ValidateInput(tool, input); err != nil {
		return nil, errs.NewValidationError("input", "%v", err)
	}
	if err := ValidateChain(tool); err != nil {
		return nil, err
	}

	ex := &Execution{
		ID:     uuid.NewString(),
		ToolID: toolID,
		UserID: userID,
		Status: ExecutionPending,
		Input:  input,
	}
	if err := o.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	config.DebugLog("[Executor] created execution %s for tool %s", ex.ID, toolID)
	return ex, nil
}

// ValidateChain checks every prompt's input mapping for forward
// references: a prompt may only reference input fields or prompts in a
// strictly earlier parallel group.
func ValidateChain(tool *Tool) error {
	order := make(map[string]int, len(tool.Prompts)*2)
	for i, group := range groupPrompts(tool.Prompts) {
		for _, p := range group.prompts {
			order[p.ID] = i
			order[p.Name] = i
		}
	}
	for _, p := range tool.Prompts {
		myOrder := order[p.ID]
		for variable, source := range p.InputMapping {
			if tool.FieldByName(source) != nil {
				continue
			}
			srcOrder, ok := order[source]
			if !ok {
				return errs.NewValidationError("inputMapping",
					"prompt %q maps $%s to unknown source %q", p.Name, variable, source)
			}
			if srcOrder > myOrder {
				return errs.NewValidationError("inputMapping",
					"prompt %q maps $%s to %q, which runs later in the chain", p.Name, variable, source)
			}
		}
	}
	return nil
}

// stepGroup is a set of prompts that run concurrently
type stepGroup struct {
	order   int
	prompts []ChainPrompt
}

// groupPrompts partitions prompts into execution groups: prompts sharing a
// parallel group number run together; every other prompt is its own
// singleton group. Groups are ordered by their smallest position.
func groupPrompts(prompts []ChainPrompt) []stepGroup {
	sorted := append([]ChainPrompt(nil), prompts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	var groups []stepGroup
	indexByGroup := make(map[int]int)
	for _, p := range sorted {
		if p.ParallelGroup == nil {
			groups = append(groups, stepGroup{order: p.Position, prompts: []ChainPrompt{p}})
			continue
		}
		gi, ok := indexByGroup[*p.ParallelGroup]
		if !ok {
			groups = append(groups, stepGroup{order: p.Position})
			gi = len(groups) - 1
			indexByGroup[*p.ParallelGroup] = gi
		}
		groups[gi].prompts = append(groups[gi].prompts, p)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].order < groups[j].order
	})
	return groups
}

// runState is the shared per-run bookkeeping. Each prompt result is owned
// exclusively by the goroutine running its step; this state is the only
// cross-step mutable data and is mutex protected.
type runState struct {
	mu            sync.Mutex
	outputs       map[string]string
	failedSources map[string]bool
	anyFailed     bool
}

func newRunState() *runState {
	return &runState{
		outputs:       make(map[string]string),
		failedSources: make(map[string]bool),
	}
}

func (s *runState) recordOutput(p ChainPrompt, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[p.ID] = output
	if p.Name != "" {
		s.outputs[p.Name] = output
	}
}

func (s *runState) recordFailure(p ChainPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyFailed = true
	s.failedSources[p.ID] = true
	if p.Name != "" {
		s.failedSources[p.Name] = true
	}
}

func (s *runState) snapshotOutputs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]string, len(s.outputs))
	for k, v := range s.outputs {
		snap[k] = v
	}
	return snap
}

// shouldSkip decides whether a step must be skipped under the tool's
// failure-cascade policy. Dependencies propagate transitively because a
// skipped step's id and name join the failed sources.
func (s *runState) shouldSkip(policy OnErrorPolicy, p ChainPrompt) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch policy {
	case ContinueOnError:
		return "", false
	case AbortAll:
		if s.anyFailed {
			return "skipped: a prior prompt failed", true
		}
		return "", false
	default: // AbortDependents
		for _, source := range p.InputMapping {
			if s.failedSources[source] {
				return fmt.Sprintf("skipped: depends on failed prompt %q", source), true
			}
		}
		for _, token := range variablePattern.FindAllStringSubmatch(DecodeTemplate(p.Content), -1) {
			if s.failedSources[token[1]] {
				return fmt.Sprintf("skipped: depends on failed prompt %q", token[1]), true
			}
		}
		return "", false
	}
}

// Run advances the execution through its prompt chain. Invoking Run on an
// execution already in a terminal state is a no-op; the stored results
// stand and no provider is re-invoked. Step failures are captured on their
// prompt results and never propagate as errors; only infrastructure
// failures (store access) are returned.
func (o *Orchestrator) Run(ctx context.Context, executionID string) error {
	o.mu.Lock()
	if o.active[executionID] {
		o.mu.Unlock()
		config.DebugLog("[Executor] execution %s is already running", executionID)
		return nil
	}
	o.active[executionID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, executionID)
		o.mu.Unlock()
	}()

	// Persistence must survive client-initiated cancellation so terminal
	// state is always recorded.
	persist := context.WithoutCancel(ctx)

	ex, err := o.store.GetExecution(persist, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		config.DebugLog("[Executor] execution %s already %s; returning stored result", ex.ID, ex.Status)
		return nil
	}
	tool, err := o.store.GetTool(persist, ex.ToolID)
	if err != nil {
		return err
	}

	started := time.Now()
	ex.Status = ExecutionRunning
	ex.StartedAt = started
	if err := o.store.UpdateExecution(persist, ex); err != nil {
		return err
	}

	startEv := NewEvent(EventExecutionStart, ex.ID)
	startEv.Message = tool.Name
	o.emit(startEv)

	state := newRunState()
	policy := tool.ErrorPolicy()
	var fatalErr error
	processed := 0

	for _, group := range groupPrompts(tool.Prompts) {
		if fatalErr != nil || ctx.Err() != nil {
			reason := "execution aborted"
			if fatalErr != nil {
				reason = "execution aborted: " + fatalErr.Error()
			} else if ctx.Err() != nil {
				reason = "execution cancelled"
			}
			for _, p := range group.prompts {
				o.skipStep(persist, ex, p, reason, state)
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range group.prompts {
			prompt := p
			if reason, skip := state.shouldSkip(policy, prompt); skip {
				o.skipStep(persist, ex, prompt, reason, state)
				continue
			}
			g.Go(func() error {
				return o.runStep(gctx, ex, prompt, state)
			})
		}
		if err := g.Wait(); err != nil {
			fatalErr = err
		}

		processed += len(group.prompts)
		progressEv := NewEvent(EventProgress, ex.ID)
		progressEv.Message = fmt.Sprintf("%d/%d prompts processed", processed, len(tool.Prompts))
		progressEv.Data = map[string]interface{}{
			"completed": processed,
			"total":     len(tool.Prompts),
		}
		o.emit(progressEv)
	}

	return o.finalize(persist, ctx, ex, state, fatalErr, started)
}

func (o *Orchestrator) finalize(persist, runCtx context.Context, ex *Execution, state *runState, fatalErr error, started time.Time) error {
	results, err := o.store.ListPromptResults(persist, ex.ID)
	if err != nil {
		return err
	}
	for _, pr := range results {
		ex.TotalInputTokens += pr.InputTokens
		ex.TotalOutputTokens += pr.OutputTokens
	}

	now := time.Now()
	ex.CompletedAt = &now
	ex.DurationMs = now.Sub(started).Milliseconds()

	switch {
	case fatalErr != nil:
		ex.Status = ExecutionFailed
		ex.Error = fatalErr.Error()
	case runCtx.Err() != nil:
		ex.Status = ExecutionFailed
		ex.Error = "execution cancelled"
	case state.anyFailed:
		ex.Status = ExecutionFailed
		ex.Error = "one or more prompts failed"
	default:
		ex.Status = ExecutionCompleted
	}

	if err := o.store.UpdateExecution(persist, ex); err != nil {
		return err
	}

	if ex.Status == ExecutionCompleted {
		ev := NewEvent(EventExecutionComplete, ex.ID)
		ev.Data = map[string]interface{}{
			"totalInputTokens":  ex.TotalInputTokens,
			"totalOutputTokens": ex.TotalOutputTokens,
			"durationMs":        ex.DurationMs,
		}
		o.emit(ev)
	} else {
		ev := NewEvent(EventExecutionError, ex.ID)
		ev.Error = ex.Error
		o.emit(ev)
	}
	config.VerboseLog("Execution %s finished with status %s in %dms", ex.ID, ex.Status, ex.DurationMs)
	return nil
}

// skipStep records a failed prompt result for a step that never ran
func (o *Orchestrator) skipStep(persist context.Context, ex *Execution, prompt ChainPrompt, reason string, state *runState) {
	now := time.Now()
	pr := &PromptResult{
		ID:          uuid.NewString(),
		ExecutionID: ex.ID,
		PromptID:    prompt.ID,
		PromptName:  prompt.Name,
		Status:      PromptFailed,
		Error:       reason,
		StartedAt:   now,
		CompletedAt: &now,
	}
	state.recordFailure(prompt)
	if err := o.store.CreatePromptResult(persist, pr); err != nil {
		config.DebugLog("[Executor] failed to persist skipped result for %s: %v", prompt.ID, err)
	}

	startEv := NewEvent(EventPromptStart, ex.ID)
	startEv.PromptID, startEv.PromptName = prompt.ID, prompt.Name
	o.emit(startEv)
	doneEv := NewEvent(EventPromptComplete, ex.ID)
	doneEv.PromptID, doneEv.PromptName = prompt.ID, prompt.Name
	doneEv.Error = reason
	o.emit(doneEv)
}

// runStep executes one prompt and records its result. A fatal
// configuration error is returned to abort the run; every other failure is
// captured on the prompt result.
func (o *Orchestrator) runStep(ctx context.Context, ex *Execution, prompt ChainPrompt, state *runState) error {
	persist := context.WithoutCancel(ctx)

	pr := &PromptResult{
		ID:          uuid.NewString(),
		ExecutionID: ex.ID,
		PromptID:    prompt.ID,
		PromptName:  prompt.Name,
		Status:      PromptRunning,
		StartedAt:   time.Now(),
	}
	if err := o.store.CreatePromptResult(persist, pr); err != nil {
		return err
	}

	startEv := NewEvent(EventPromptStart, ex.ID)
	startEv.PromptID, startEv.PromptName = prompt.ID, prompt.Name
	o.emit(startEv)

	resp, stepErr := o.executePrompt(ctx, ex, prompt, pr, state)

	now := time.Now()
	pr.CompletedAt = &now

	doneEv := NewEvent(EventPromptComplete, ex.ID)
	doneEv.PromptID, doneEv.PromptName = prompt.ID, prompt.Name

	if stepErr != nil {
		pr.Status = PromptFailed
		pr.Error = stepErr.Error()
		state.recordFailure(prompt)
		if err := o.store.UpdatePromptResult(persist, pr); err != nil {
			return err
		}
		doneEv.Error = pr.Error
		o.emit(doneEv)

		// Missing credentials or model configuration cannot be fixed by
		// running more steps; abort the remaining chain.
		var ce *errs.ConfigurationError
		if errors.As(stepErr, &ce) {
			return stepErr
		}
		return nil
	}

	pr.Status = PromptCompleted
	pr.Output = resp.Output
	pr.InputTokens = resp.InputTokens
	pr.OutputTokens = resp.OutputTokens
	state.recordOutput(prompt, resp.Output)
	if err := o.store.UpdatePromptResult(persist, pr); err != nil {
		return err
	}

	doneEv.Data = map[string]interface{}{
		"inputTokens":  resp.InputTokens,
		"outputTokens": resp.OutputTokens,
	}
	o.emit(doneEv)
	return nil
}

// executePrompt resolves the prompt's variables and context, then invokes
// the model under the step timeout with retry protection
func (o *Orchestrator) executePrompt(ctx context.Context, ex *Execution, prompt ChainPrompt, pr *PromptResult, state *runState) (*models.PromptResponse, error) {
	sources := SubstitutionSources{
		Inputs:       ex.Input,
		PriorOutputs: state.snapshotOutputs(),
		InputMapping: prompt.InputMapping,
	}

	content, variables, err := Substitute(prompt.Content, sources)
	if err != nil {
		return nil, err
	}
	pr.ResolvedInput = content

	subEv := NewEvent(EventVariableSubstitution, ex.ID)
	subEv.PromptID, subEv.PromptName = prompt.ID, prompt.Name
	subEv.Data = map[string]interface{}{"variables": variables}
	o.emit(subEv)

	systemContext, err := o.buildSystemContext(ctx, ex, prompt, sources, content)
	if err != nil {
		return nil, err
	}

	handle, err := o.factory.CreateProviderModel(prompt.Provider, prompt.ModelID)
	if err != nil {
		return nil, err
	}

	timeout := o.defaultTimeout
	if prompt.TimeoutSeconds > 0 {
		timeout = time.Duration(prompt.TimeoutSeconds) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *models.PromptResponse
	err = o.retrier.Do(stepCtx, prompt.Provider, func(c context.Context) error {
		r, callErr := handle.Generate(c, models.PromptRequest{
			Prompt:        content,
			SystemContext: systemContext,
		})
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &errs.StepTimeoutError{
				PromptID:       prompt.ID,
				TimeoutSeconds: int(timeout / time.Second),
			}
		}
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("prompt cancelled: %w", err)
		}
		return nil, err
	}
	return resp, nil
}
