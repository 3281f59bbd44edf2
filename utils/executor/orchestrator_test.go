package executor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psd-ai/studio/utils/circuit"
	"github.com/psd-ai/studio/utils/errs"
	"github.com/psd-ai/studio/utils/executor"
	"github.com/psd-ai/studio/utils/models"
	"github.com/psd-ai/studio/utils/retry"
	"github.com/psd-ai/studio/utils/store"
)

// fakePrompt is what the fake provider saw for one call
type fakePrompt struct {
	ModelID string
	Prompt  string
	System  string
}

// fakeProvider is a scriptable models.Provider. respond is called once per
// SendPrompt with the call count for that prompt text.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []fakePrompt
	counts  map[string]int
	respond func(modelID, prompt string, attempt int) (*models.PromptResponse, error)
}

func newFakeProvider(respond func(modelID, prompt string, attempt int) (*models.PromptResponse, error)) *fakeProvider {
	return &fakeProvider{counts: make(map[string]int), respond: respond}
}

func (f *fakeProvider) Name() string                    { return "openai" }
func (f *fakeProvider) SupportsModel(string) bool       { return true }
func (f *fakeProvider) Configure(models.Settings) error { return nil }
func (f *fakeProvider) SetVerbose(bool)                 {}

func (f *fakeProvider) SendPrompt(ctx context.Context, modelID string, req models.PromptRequest) (*models.PromptResponse, error) {
	f.mu.Lock()
	f.counts[req.Prompt]++
	attempt := f.counts[req.Prompt]
	f.calls = append(f.calls, fakePrompt{ModelID: modelID, Prompt: req.Prompt, System: req.SystemContext})
	f.mu.Unlock()
	return f.respond(modelID, req.Prompt, attempt)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// eventRecorder collects events synchronously so tests can assert order
type eventRecorder struct {
	mu     sync.Mutex
	events []executor.Event
}

func (r *eventRecorder) WriteEvent(ev executor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []executor.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executor.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) byType(t executor.EventType) []executor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []executor.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func echoResponder(modelID, prompt string, attempt int) (*models.PromptResponse, error) {
	return &models.PromptResponse{Output: "echo: " + prompt, InputTokens: 10, OutputTokens: 20}, nil
}

type testEngine struct {
	store    *store.MemoryStore
	orch     *executor.Orchestrator
	provider *fakeProvider
	breakers *circuit.Registry
	events   *eventRecorder
}

func newTestEngine(t *testing.T, tool *executor.Tool, provider *fakeProvider) *testEngine {
	t.Helper()

	st := store.NewMemoryStore()
	st.AddTool(tool)

	factory := models.NewFactory(nil)
	factory.RegisterProvider("openai", provider)

	breakers := circuit.NewRegistry(circuit.DefaultOptions())
	retrier := retry.NewExecutor(breakers, retry.Options{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterMax:         time.Millisecond,
	})

	orch := executor.NewOrchestrator(st, factory, retrier, time.Minute)
	events := &eventRecorder{}
	orch.SetProgressWriter(events)

	return &testEngine{store: st, orch: orch, provider: provider, breakers: breakers, events: events}
}

func (e *testEngine) startAndRun(t *testing.T, toolID string, input map[string]interface{}) *executor.Execution {
	t.Helper()
	ctx := context.Background()
	ex, err := e.orch.Start(ctx, toolID, "user-1", input)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.orch.Run(ctx, ex.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	final, err := e.store.GetExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	return final
}

func twoStepTool() *executor.Tool {
	return &executor.Tool{
		ID:     "tool-1",
		Name:   "Summarize and refine",
		Status: executor.ToolApproved,
		Fields: []executor.InputField{
			{ID: "f1", ToolID: "tool-1", Name: "topic", Type: executor.FieldShortText, Position: 0},
		},
		Prompts: []executor.ChainPrompt{
			{ID: "p1", ToolID: "tool-1", Name: "summarize", Content: "Summarize: $topic", Provider: "openai", ModelID: "gpt-4o", Position: 0},
			{ID: "p2", ToolID: "tool-1", Name: "refine", Content: "Refine: $summarize", Provider: "openai", ModelID: "gpt-4o", Position: 1},
		},
	}
}

func TestRunTwoStepChain(t *testing.T) {
	e := newTestEngine(t, twoStepTool(), newFakeProvider(echoResponder))

	final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "circuit breakers"})

	if final.Status != executor.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.TotalInputTokens != 20 || final.TotalOutputTokens != 40 {
		t.Errorf("expected token totals 20/40, got %d/%d", final.TotalInputTokens, final.TotalOutputTokens)
	}
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}

	results, _ := e.store.ListPromptResults(context.Background(), final.ID)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ResolvedInput != "Summarize: circuit breakers" {
		t.Errorf("unexpected resolved input: %q", results[0].ResolvedInput)
	}
	if results[1].ResolvedInput != "Refine: echo: Summarize: circuit breakers" {
		t.Errorf("second step did not receive first step's output: %q", results[1].ResolvedInput)
	}

	want := []executor.EventType{
		executor.EventExecutionStart,
		executor.EventPromptStart,
		executor.EventVariableSubstitution,
		executor.EventPromptComplete,
		executor.EventProgress,
		executor.EventPromptStart,
		executor.EventVariableSubstitution,
		executor.EventPromptComplete,
		executor.EventProgress,
		executor.EventExecutionComplete,
	}
	got := e.events.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event sequence %v, want %v", got, want)
		}
	}
}

func TestRunEmitsProgressPerGroup(t *testing.T) {
	e := newTestEngine(t, twoStepTool(), newFakeProvider(echoResponder))

	e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "progress"})

	progress := e.events.byType(executor.EventProgress)
	if len(progress) != 2 {
		t.Fatalf("expected one progress event per group, got %d", len(progress))
	}
	if progress[0].Message != "1/2 prompts processed" {
		t.Errorf("unexpected first progress message: %q", progress[0].Message)
	}
	if got := progress[1].Data["completed"]; got != 2 {
		t.Errorf("expected final progress completed=2, got %v", got)
	}
	if got := progress[1].Data["total"]; got != 2 {
		t.Errorf("expected final progress total=2, got %v", got)
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	// Three 503s then success: maxRetries=3 absorbs all three failures and
	// the execution still completes.
	provider := newFakeProvider(func(modelID, prompt string, attempt int) (*models.PromptResponse, error) {
		if attempt <= 3 {
			return nil, &errs.ProviderTransientError{Provider: "openai", StatusCode: 503, Err: errors.New("service unavailable")}
		}
		return echoResponder(modelID, prompt, attempt)
	})
	tool := twoStepTool()
	tool.Prompts = tool.Prompts[:1]
	e := newTestEngine(t, tool, provider)

	final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "retries"})

	if final.Status != executor.ExecutionCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", final.Status, final.Error)
	}
	if provider.callCount() != 4 {
		t.Errorf("expected 4 provider calls (3 failed + 1 success), got %d", provider.callCount())
	}
	if got := e.breakers.Get("openai").GetState(); got != circuit.Closed {
		t.Errorf("expected breaker closed below threshold, got %s", got)
	}
}

func TestRunUnresolvedVariableFailsStep(t *testing.T) {
	provider := newFakeProvider(echoResponder)
	tool := twoStepTool()
	tool.Prompts = []executor.ChainPrompt{
		{ID: "p1", ToolID: "tool-1", Name: "bad", Content: "Use $undefinedVar", Provider: "openai", ModelID: "gpt-4o", Position: 0},
	}
	e := newTestEngine(t, tool, provider)

	final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "x"})

	if final.Status != executor.ExecutionFailed {
		t.Fatalf("expected failed execution, got %s", final.Status)
	}
	if provider.callCount() != 0 {
		t.Errorf("expected no provider calls, got %d", provider.callCount())
	}

	results, _ := e.store.ListPromptResults(context.Background(), final.ID)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != executor.PromptFailed {
		t.Errorf("expected failed prompt, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "undefinedVar") {
		t.Errorf("expected error naming the variable, got %q", results[0].Error)
	}
}

func TestRunIsIdempotentForTerminalExecutions(t *testing.T) {
	provider := newFakeProvider(echoResponder)
	e := newTestEngine(t, twoStepTool(), provider)

	final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "idempotence"})
	if final.Status != executor.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	calls := provider.callCount()
	eventsBefore := len(e.events.types())

	if err := e.orch.Run(context.Background(), final.ID); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if provider.callCount() != calls {
		t.Errorf("expected no provider calls on re-run, got %d more", provider.callCount()-calls)
	}
	if got := len(e.events.types()); got != eventsBefore {
		t.Errorf("expected no events on re-run, got %d more", got-eventsBefore)
	}

	results, _ := e.store.ListPromptResults(context.Background(), final.ID)
	if len(results) != 2 {
		t.Errorf("expected stored results untouched, got %d", len(results))
	}
}

func TestRunParallelGroup(t *testing.T) {
	group := 1
	tool := &executor.Tool{
		ID:     "tool-1",
		Name:   "Fan out then join",
		Status: executor.ToolApproved,
		Fields: []executor.InputField{
			{ID: "f1", ToolID: "tool-1", Name: "topic", Type: executor.FieldShortText, Position: 0},
		},
		Prompts: []executor.ChainPrompt{
			{ID: "p1", ToolID: "tool-1", Name: "pros", Content: "Pros of $topic", Provider: "openai", ModelID: "gpt-4o", Position: 0, ParallelGroup: &group},
			{ID: "p2", ToolID: "tool-1", Name: "cons", Content: "Cons of $topic", Provider: "openai", ModelID: "gpt-4o", Position: 1, ParallelGroup: &group},
			{ID: "p3", ToolID: "tool-1", Name: "verdict", Content: "Weigh: $pros vs $cons", Provider: "openai", ModelID: "gpt-4o", Position: 2},
		},
	}
	e := newTestEngine(t, tool, newFakeProvider(echoResponder))

	final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "caching"})

	if final.Status != executor.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}

	results, _ := e.store.ListPromptResults(context.Background(), final.ID)
	byName := make(map[string]executor.PromptResult, len(results))
	for _, pr := range results {
		byName[pr.PromptName] = pr
	}
	verdict := byName["verdict"]
	if !strings.Contains(verdict.ResolvedInput, "echo: Pros of caching") ||
		!strings.Contains(verdict.ResolvedInput, "echo: Cons of caching") {
		t.Errorf("join step missing group outputs: %q", verdict.ResolvedInput)
	}

	// Both group members finish before the join step starts.
	types := e.events.types()
	joinStart := -1
	completes := 0
	for i, ty := range types {
		if ty == executor.EventPromptComplete && joinStart == -1 {
			completes++
		}
		if ty == executor.EventPromptStart {
			if completes == 2 {
				joinStart = i
			}
		}
	}
	if joinStart == -1 {
		t.Errorf("expected the join step to start after both group members completed: %v", types)
	}
}

func failFirstResponder(failName string) func(string, string, int) (*models.PromptResponse, error) {
	return func(modelID, prompt string, attempt int) (*models.PromptResponse, error) {
		if strings.Contains(prompt, failName) {
			return nil, errors.New("request failed with status 400")
		}
		return echoResponder(modelID, prompt, attempt)
	}
}

func cascadeTool(policy executor.OnErrorPolicy) *executor.Tool {
	return &executor.Tool{
		ID:      "tool-1",
		Name:    "Cascade",
		Status:  executor.ToolApproved,
		OnError: policy,
		Fields: []executor.InputField{
			{ID: "f1", ToolID: "tool-1", Name: "topic", Type: executor.FieldShortText, Position: 0},
		},
		Prompts: []executor.ChainPrompt{
			{ID: "p1", ToolID: "tool-1", Name: "first", Content: "FAIL $topic", Provider: "openai", ModelID: "gpt-4o", Position: 0},
			{ID: "p2", ToolID: "tool-1", Name: "second", Content: "Depends on $first", Provider: "openai", ModelID: "gpt-4o", Position: 1},
			{ID: "p3", ToolID: "tool-1", Name: "third", Content: "Independent of $topic", Provider: "openai", ModelID: "gpt-4o", Position: 2},
		},
	}
}

func TestRunCascadePolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     executor.OnErrorPolicy
		wantSecond executor.PromptStatus
		wantThird  executor.PromptStatus
	}{
		{"abort dependents skips only dependents", executor.AbortDependents, executor.PromptFailed, executor.PromptCompleted},
		{"abort all skips everything", executor.AbortAll, executor.PromptFailed, executor.PromptFailed},
		{"continue runs the rest", executor.ContinueOnError, executor.PromptFailed, executor.PromptCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, cascadeTool(tt.policy), newFakeProvider(failFirstResponder("FAIL")))

			final := e.startAndRun(t, "tool-1", map[string]interface{}{"topic": "x"})
			if final.Status != executor.ExecutionFailed {
				t.Fatalf("expected failed execution, got %s", final.Status)
			}

			results, _ := e.store.ListPromptResults(context.Background(), final.ID)
			byName := make(map[string]executor.PromptResult, len(results))
			for _, pr := range results {
				byName[pr.PromptName] = pr
			}
			if byName["first"].Status != executor.PromptFailed {
				t.Errorf("first: expected failed, got %s", byName["first"].Status)
			}
			if byName["second"].Status != tt.wantSecond {
				t.Errorf("second: expected %s, got %s", tt.wantSecond, byName["second"].Status)
			}
			if byName["third"].Status != tt.wantThird {
				t.Errorf("third: expected %s, got %s", tt.wantThird, byName["third"].Status)
			}

			// With continue, the dependent still fails, but on its own
			// unresolvable variable rather than by being skipped.
			if tt.policy == executor.AbortDependents && !strings.Contains(byName["second"].Error, "skipped") {
				t.Errorf("second: expected skip reason, got %q", byName["second"].Error)
			}
		})
	}
}

func TestRunStepTimeout(t *testing.T) {
	slow := &slowProvider{}
	tool := twoStepTool()
	tool.Prompts = []executor.ChainPrompt{
		{ID: "p1", ToolID: "tool-1", Name: "slow", Content: "Take your time on $topic", Provider: "openai", ModelID: "gpt-4o", Position: 0, TimeoutSeconds: 1},
	}

	st := store.NewMemoryStore()
	st.AddTool(tool)
	factory := models.NewFactory(nil)
	factory.RegisterProvider("openai", slow)
	retrier := retry.NewExecutor(circuit.NewRegistry(circuit.DefaultOptions()), retry.DefaultOptions())
	orch := executor.NewOrchestrator(st, factory, retrier, time.Minute)

	ctx := context.Background()
	ex, err := orch.Start(ctx, tool.ID, "user-1", map[string]interface{}{"topic": "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.Run(ctx, ex.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results, _ := st.ListPromptResults(ctx, ex.ID)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != executor.PromptFailed {
		t.Fatalf("expected failed prompt, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "timed out") {
		t.Errorf("expected timeout error, got %q", results[0].Error)
	}
}

// slowProvider blocks until the call context expires
type slowProvider struct{}

func (s *slowProvider) Name() string                    { return "openai" }
func (s *slowProvider) SupportsModel(string) bool       { return true }
func (s *slowProvider) Configure(models.Settings) error { return nil }
func (s *slowProvider) SetVerbose(bool)                 {}

func (s *slowProvider) SendPrompt(ctx context.Context, modelID string, req models.PromptRequest) (*models.PromptResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCancelledContext(t *testing.T) {
	e := newTestEngine(t, twoStepTool(), newFakeProvider(echoResponder))

	ctx := context.Background()
	ex, err := e.orch.Start(ctx, "tool-1", "user-1", map[string]interface{}{"topic": "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := e.orch.Run(cancelled, ex.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final, _ := e.store.GetExecution(ctx, ex.ID)
	if final.Status != executor.ExecutionFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error != "execution cancelled" {
		t.Errorf("expected cancellation error, got %q", final.Error)
	}
	if e.provider.callCount() != 0 {
		t.Errorf("expected no provider calls, got %d", e.provider.callCount())
	}
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	t.Run("unapproved tool", func(t *testing.T) {
		tool := twoStepTool()
		tool.Status = executor.ToolDraft
		e := newTestEngine(t, tool, newFakeProvider(echoResponder))

		_, err := e.orch.Start(context.Background(), "tool-1", "user-1", map[string]interface{}{"topic": "x"})
		var vErr *errs.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unknown input field", func(t *testing.T) {
		e := newTestEngine(t, twoStepTool(), newFakeProvider(echoResponder))

		_, err := e.orch.Start(context.Background(), "tool-1", "user-1", map[string]interface{}{"nope": "x"})
		var vErr *errs.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("forward reference in mapping", func(t *testing.T) {
		tool := twoStepTool()
		tool.Prompts[0].InputMapping = map[string]string{"later": "refine"}
		e := newTestEngine(t, tool, newFakeProvider(echoResponder))

		_, err := e.orch.Start(context.Background(), "tool-1", "user-1", map[string]interface{}{"topic": "x"})
		var vErr *errs.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestValidateInput(t *testing.T) {
	tool := &executor.Tool{
		ID:     "tool-1",
		Status: executor.ToolApproved,
		Fields: []executor.InputField{
			{ID: "f1", Name: "text", Type: executor.FieldLongText},
			{ID: "f2", Name: "tone", Type: executor.FieldSelect, Options: []executor.SelectOption{
				{Label: "Formal", Value: "formal"},
				{Label: "Casual", Value: "casual"},
			}},
			{ID: "f3", Name: "tags", Type: executor.FieldMultiSelect, Options: []executor.SelectOption{
				{Label: "A", Value: "a"},
				{Label: "B", Value: "b"},
			}},
		},
	}

	tests := []struct {
		name    string
		input   map[string]interface{}
		wantErr bool
	}{
		{"valid", map[string]interface{}{"text": "hi", "tone": "formal", "tags": []string{"a"}}, false},
		{"unknown field", map[string]interface{}{"bogus": "x"}, true},
		{"wrong type", map[string]interface{}{"text": 42}, true},
		{"select outside options", map[string]interface{}{"tone": "angry"}, true},
		{"multi-select outside options", map[string]interface{}{"tags": []string{"a", "z"}}, true},
		{"multi-select as interface slice", map[string]interface{}{"tags": []interface{}{"a", "b"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.ValidateInput(tool, tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInput(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
