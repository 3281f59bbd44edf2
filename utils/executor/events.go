package executor

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies one kind of execution progress event
type EventType string

const (
	EventExecutionStart          EventType = "execution-start"
	EventExecutionComplete       EventType = "execution-complete"
	EventExecutionError          EventType = "execution-error"
	EventPromptStart             EventType = "prompt-start"
	EventPromptComplete          EventType = "prompt-complete"
	EventVariableSubstitution    EventType = "variable-substitution"
	EventKnowledgeRetrievalStart EventType = "knowledge-retrieval-start"
	EventKnowledgeRetrieved      EventType = "knowledge-retrieved"
	EventToolExecutionStart      EventType = "tool-execution-start"
	EventToolExecutionComplete   EventType = "tool-execution-complete"
	EventProgress                EventType = "progress"
)

// Event is one typed, timestamped progress notification. Events for a
// given prompt are emitted start, sub-events, complete; events across
// prompts in the same parallel group may interleave.
type Event struct {
	Type        EventType              `json:"type"`
	ID          string                 `json:"id,omitempty"`
	Timestamp   string                 `json:"timestamp"`
	ExecutionID string                 `json:"executionId"`
	PromptID    string                 `json:"promptId,omitempty"`
	PromptName  string                 `json:"promptName,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, executionID string) Event {
	return Event{
		Type:        eventType,
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		ExecutionID: executionID,
	}
}

// ProgressWriter receives execution progress events. Writers must not
// block: emission is fire-and-forget from the orchestrator's perspective.
type ProgressWriter interface {
	WriteEvent(event Event)
}

// NopProgressWriter discards all events
type NopProgressWriter struct{}

// WriteEvent implements ProgressWriter
func (NopProgressWriter) WriteEvent(Event) {}

// ChannelProgressWriter forwards events to a channel for streaming to a
// client. A full or abandoned channel drops events rather than stalling
// the execution.
type ChannelProgressWriter struct {
	ch chan Event
}

// NewChannelProgressWriter creates a writer with the given buffer size
func NewChannelProgressWriter(buffer int) *ChannelProgressWriter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelProgressWriter{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the writer
func (w *ChannelProgressWriter) Events() <-chan Event {
	return w.ch
}

// WriteEvent implements ProgressWriter without blocking
func (w *ChannelProgressWriter) WriteEvent(event Event) {
	select {
	case w.ch <- event:
	default:
	}
}

// Close releases the channel once the execution is terminal
func (w *ChannelProgressWriter) Close() {
	close(w.ch)
}

// MultiProgressWriter fans events out to several writers
type MultiProgressWriter []ProgressWriter

// WriteEvent implements ProgressWriter
func (m MultiProgressWriter) WriteEvent(event Event) {
	for _, w := range m {
		w.WriteEvent(event)
	}
}
