package server

import (
	"sync"

	"github.com/psd-ai/studio/utils/executor"
)

// subscriber buffers events for one SSE client. Sends never block; a
// client that cannot keep up loses events rather than stalling the run.
type subscriber struct {
	executionID string
	ch          chan executor.Event
}

// Broker implements executor.ProgressWriter and fans events out to SSE
// subscribers keyed by execution ID.
type Broker struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

// WriteEvent delivers the event to every subscriber of its execution
func (b *Broker) WriteEvent(ev executor.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for one execution's events. The returned
// cancel function must be called when the client disconnects.
func (b *Broker) Subscribe(executionID string) (<-chan executor.Event, func()) {
	sub := &subscriber{
		executionID: executionID,
		ch:          make(chan executor.Event, 256),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}
