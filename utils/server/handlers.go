package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/errs"
	"github.com/psd-ai/studio/utils/executor"
)

// startExecutionRequest is the body of POST /api/tools/{id}/executions
type startExecutionRequest struct {
	UserID string                 `json:"userId"`
	Input  map[string]interface{} `json:"input"`
}

type startExecutionResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// executionResponse is the body of GET /api/executions/{id}
type executionResponse struct {
	Execution *executor.Execution     `json:"execution"`
	Results   []executor.PromptResult `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartExecution validates the request, records a pending
// execution, and runs the chain in the background. Validation failures
// return 400 before any row is written.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("id")

	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ex, err := s.orch.Start(r.Context(), toolID, req.UserID, req.Input)
	if err != nil {
		var vErr *errs.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, err.Error())
		case strings.Contains(err.Error(), "not found"):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.registerCancel(ex.ID, cancel)
	go func() {
		defer s.clearCancel(ex.ID)
		defer cancel()
		if err := s.orch.Run(runCtx, ex.ID); err != nil {
			config.DebugLog("[Server] Execution %s failed: %v", ex.ID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, startExecutionResponse{
		ExecutionID: ex.ID,
		Status:      string(ex.Status),
	})
}

// handleGetExecution returns the execution and its step results
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ex, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	results, err := s.store.ListPromptResults(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Execution: ex, Results: results})
}

// handleStreamExecution streams progress events for one execution as SSE
// frames. The stream closes after the terminal event.
func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := s.broker.Subscribe(id)
	defer unsubscribe()

	ex, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// An execution that already finished gets a single terminal event
	// reconstructed from the store.
	if ex.Status.Terminal() {
		writeSSE(w, flusher, terminalEvent(ex))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeSSE(w, flusher, ev)
			if ev.Type == executor.EventExecutionComplete || ev.Type == executor.EventExecutionError {
				return
			}
		}
	}
}

// handleCancelExecution cancels a running execution
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.cancelExecution(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no running execution %q", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev executor.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		config.DebugLog("[Server] Failed to encode event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

// terminalEvent rebuilds the final event for an already-finished execution
func terminalEvent(ex *executor.Execution) executor.Event {
	if ex.Status == executor.ExecutionFailed {
		ev := executor.NewEvent(executor.EventExecutionError, ex.ID)
		ev.Error = ex.Error
		return ev
	}
	ev := executor.NewEvent(executor.EventExecutionComplete, ex.ID)
	ev.Data = map[string]interface{}{
		"totalInputTokens":  ex.TotalInputTokens,
		"totalOutputTokens": ex.TotalOutputTokens,
		"durationMs":        ex.DurationMs,
	}
	return ev
}
