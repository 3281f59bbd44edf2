// Package server exposes the execution engine over HTTP. Executions are
// started with a POST and observed over a Server-Sent Events stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/executor"
)

// Server wires the orchestrator, store, and progress broker behind the
// HTTP API.
type Server struct {
	cfg    config.ServerConfig
	store  executor.Store
	orch   *executor.Orchestrator
	broker *Broker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a server around an orchestrator. The orchestrator's
// progress writer is replaced with the server's broker so SSE clients
// see every event.
func New(cfg config.ServerConfig, store executor.Store, orch *executor.Orchestrator) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		orch:    orch,
		broker:  NewBroker(),
		cancels: make(map[string]context.CancelFunc),
	}
	orch.SetProgressWriter(s.broker)
	return s
}

// Handler builds the route table with auth and CORS middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/tools/{id}/executions", s.handleStartExecution)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleStreamExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	return handler
}

// ListenAndServe runs the server on the configured port
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Printf("Starting server on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// authMiddleware enforces bearer token auth when enabled. Health checks
// are always allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Enabled || s.cfg.BearerToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || token == auth || token != s.cfg.BearerToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured CORS policy and answers
// preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.CORS.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.cfg.CORS.AllowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.cfg.CORS.AllowedHeaders, ", "))
			if s.cfg.CORS.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.cfg.CORS.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) registerCancel(executionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[executionID] = cancel
	s.mu.Unlock()
}

func (s *Server) clearCancel(executionID string) {
	s.mu.Lock()
	delete(s.cancels, executionID)
	s.mu.Unlock()
}

func (s *Server) cancelExecution(executionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[executionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		config.DebugLog("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
