// Package circuit implements a per-provider circuit breaker. The breaker is
// shared across all in-flight executions for a provider and fails calls fast
// while the provider is degraded.
package circuit

import (
	"sync"
	"time"

	"github.com/psd-ai/studio/utils/config"
)

// State represents the state of a circuit breaker
type State int

const (
	// Closed allows requests through
	Closed State = iota
	// Open rejects requests immediately
	Open
	// HalfOpen allows limited trial requests
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures breaker behavior
type Options struct {
	// FailureThreshold is the failure count within the monitoring window
	// that opens the breaker. Zero opens on the first failure.
	FailureThreshold int
	// SuccessThreshold is the consecutive successes required to close the
	// breaker from half-open.
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before the next
	// state query moves it to half-open.
	RecoveryTimeout time.Duration
	// MonitoringWindow bounds how long a recorded failure counts toward
	// the failure threshold.
	MonitoringWindow time.Duration
}

// DefaultOptions returns the default breaker tuning
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

// Breaker tracks failures for a single provider. recordSuccess and
// recordFailure are the only mutators; old failures are pruned lazily when
// state is queried, never on a timer.
type Breaker struct {
	name string
	opts Options

	mu          sync.Mutex
	state       State
	failures    []time.Time
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewBreaker creates a closed breaker for the named provider
func NewBreaker(name string, opts Options) *Breaker {
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	if opts.MonitoringWindow <= 0 {
		opts.MonitoringWindow = time.Minute
	}
	return &Breaker{
		name:  name,
		opts:  opts,
		state: Closed,
		now:   time.Now,
	}
}

// RecordFailure registers a failed provider call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now
	b.successes = 0
	b.evaluate(now)

	switch b.state {
	case HalfOpen:
		// A single failure while probing reopens the breaker.
		b.transition(Open)
	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.opts.FailureThreshold || b.opts.FailureThreshold == 0 {
			b.transition(Open)
		}
	}
}

// RecordSuccess registers a successful provider call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evaluate(b.now())

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.failures = nil
			b.successes = 0
			b.transition(Closed)
		}
	case Closed:
		// Successes do not erase window failures; they only matter while
		// half-open.
	}
}

// GetState returns the current state, applying the lazy open to half-open
// transition when the recovery timeout has elapsed
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluate(b.now())
	return b.state
}

// IsOpen reports whether calls should be rejected
func (b *Breaker) IsOpen() bool {
	return b.GetState() == Open
}

// FailureCount returns the number of failures inside the monitoring window
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

// Reset forces the breaker back to closed. Operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.successes = 0
	b.transition(Closed)
}

// evaluate applies time-driven transitions. Caller must hold b.mu.
func (b *Breaker) evaluate(now time.Time) {
	if b.state == Open && now.Sub(b.lastFailure) >= b.opts.RecoveryTimeout {
		b.successes = 0
		b.transition(HalfOpen)
	}
	b.prune(now)
}

// prune drops failures outside the monitoring window. Caller must hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.MonitoringWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// transition changes state and logs the change. Caller must hold b.mu.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	config.DebugLog("[Circuit] %s: %s -> %s", b.name, b.state, next)
	b.state = next
}

// Registry holds one breaker per provider, shared process-wide
type Registry struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
}

// NewRegistry creates a registry producing breakers with the given options
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it on first use
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(provider, r.opts)
		r.breakers[provider] = b
	}
	return b
}

// ResetAll closes every breaker in the registry
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
