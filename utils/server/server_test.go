package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psd-ai/studio/utils/circuit"
	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/executor"
	"github.com/psd-ai/studio/utils/models"
	"github.com/psd-ai/studio/utils/retry"
	"github.com/psd-ai/studio/utils/store"
)

// echoProvider answers every prompt immediately
type echoProvider struct{}

func (echoProvider) Name() string                    { return "openai" }
func (echoProvider) SupportsModel(string) bool       { return true }
func (echoProvider) Configure(models.Settings) error { return nil }
func (echoProvider) SetVerbose(bool)                 {}
func (echoProvider) SendPrompt(ctx context.Context, modelID string, req models.PromptRequest) (*models.PromptResponse, error) {
	return &models.PromptResponse{Output: "echo: " + req.Prompt, InputTokens: 5, OutputTokens: 7}, nil
}

func testTool() *executor.Tool {
	return &executor.Tool{
		ID:     "tool-1",
		Name:   "Summarize",
		Status: executor.ToolApproved,
		Fields: []executor.InputField{
			{ID: "f1", ToolID: "tool-1", Name: "topic", Type: executor.FieldShortText, Position: 0},
		},
		Prompts: []executor.ChainPrompt{
			{ID: "p1", ToolID: "tool-1", Name: "summarize", Content: "Summarize: $topic", Provider: "openai", ModelID: "gpt-4o", Position: 0},
		},
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	st.AddTool(testTool())

	factory := models.NewFactory(nil)
	factory.RegisterProvider("openai", echoProvider{})

	breakers := circuit.NewRegistry(circuit.DefaultOptions())
	retrier := retry.NewExecutor(breakers, retry.Options{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterMax:         time.Millisecond,
	})
	orch := executor.NewOrchestrator(st, factory, retrier, time.Minute)

	return New(cfg, st, orch), st
}

// waitTerminal polls the store until the execution finishes
func waitTerminal(t *testing.T, st *store.MemoryStore, id string) *executor.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := st.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if ex.Status.Terminal() {
			return ex
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return nil
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Enabled: true, BearerToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStartExecution(t *testing.T) {
	s, st := newTestServer(t, config.ServerConfig{})

	body := `{"userId":"user-1","input":{"topic":"go concurrency"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/tools/tool-1/executions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp startExecutionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ExecutionID)

	ex := waitTerminal(t, st, resp.ExecutionID)
	assert.Equal(t, executor.ExecutionCompleted, ex.Status)

	results, err := st.ListPromptResults(context.Background(), ex.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "echo: Summarize: go concurrency", results[0].Output)
}

func TestHandleStartExecutionValidation(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	tests := []struct {
		name   string
		toolID string
		body   string
		code   int
	}{
		{"unknown input field", "tool-1", `{"input":{"bogus":"x"}}`, http.StatusBadRequest},
		{"tool not found", "missing-tool", `{"input":{}}`, http.StatusNotFound},
		{"malformed json", "tool-1", `{"input":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tools/"+tt.toolID+"/executions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandleGetExecution(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/executions/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ex, err := s.orch.Start(context.Background(), "tool-1", "user-1", map[string]interface{}{"topic": "caching"})
	require.NoError(t, err)
	require.NoError(t, s.orch.Run(context.Background(), ex.ID))

	req = httptest.NewRequest(http.MethodGet, "/api/executions/"+ex.ID, nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, executor.ExecutionCompleted, resp.Execution.Status)
	require.Len(t, resp.Results, 1)
}

func TestHandleStreamReplaysTerminalEvent(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	ex, err := s.orch.Start(context.Background(), "tool-1", "user-1", map[string]interface{}{"topic": "queues"})
	require.NoError(t, err)
	require.NoError(t, s.orch.Run(context.Background(), ex.ID))

	req := httptest.NewRequest(http.MethodGet, "/api/executions/"+ex.ID+"/stream", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: execution-complete\n")
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, `"executionId":"`+ex.ID+`"`)
}

func TestHandleStreamUnknownExecution(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/executions/nope/stream", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelUnknownExecution(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/executions/nope/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.ServerConfig{Enabled: true, BearerToken: "secret"}
	s, _ := newTestServer(t, cfg)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"malformed header", "secret", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/executions/nope", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.ServerConfig{
		CORS: config.CORS{
			Enabled:        true,
			AllowedOrigins: []string{"https://app.example.com"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         3600,
		},
	}
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/tools/tool-1/executions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))

	// Origins off the allowlist get no CORS grant.
	req = httptest.NewRequest(http.MethodOptions, "/api/tools/tool-1/executions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
