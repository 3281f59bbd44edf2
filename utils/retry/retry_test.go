package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psd-ai/studio/utils/circuit"
	"github.com/psd-ai/studio/utils/errs"
)

func testOptions() Options {
	return Options{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMax:         100 * time.Millisecond,
	}
}

// newTestExecutor swaps the sleeper for one that records delays and
// returns immediately
func newTestExecutor(opts Options) (*Executor, *[]time.Duration) {
	breakers := circuit.NewRegistry(circuit.DefaultOptions())
	e := NewExecutor(breakers, opts)
	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e, delays := newTestExecutor(testOptions())

	calls := 0
	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no sleeps, got %d", len(*delays))
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	e, delays := newTestExecutor(testOptions())

	// maxRetries=3 absorbs three failed attempts; the fourth succeeds.
	calls := 0
	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return &errs.ProviderTransientError{Provider: "openai", StatusCode: 503, Err: errors.New("service unavailable")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if len(*delays) != 3 {
		t.Errorf("expected 3 sleeps, got %d", len(*delays))
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	e, _ := newTestExecutor(testOptions())

	calls := 0
	failure := &errs.ProviderTransientError{Provider: "openai", StatusCode: 500, Err: errors.New("internal error")}
	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return failure
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Errorf("expected 4 calls (1 initial + 3 retries), got %d", calls)
	}
	if !errors.Is(err, failure) {
		t.Errorf("expected wrapped final error, got %v", err)
	}
}

func TestDoDoesNotRetryFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation error", errs.NewValidationError("input", "missing required field")},
		{"configuration error", errs.NewConfigurationError("openai", "API key not set")},
		{"substitution error", &errs.SubstitutionError{Variable: "topic", Message: "unresolved"}},
		{"401 response", errors.New("request failed with status 401")},
		{"auth phrase", errors.New("invalid api key provided")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, delays := newTestExecutor(testOptions())
			calls := 0
			err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
				calls++
				return tt.err
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if calls != 1 {
				t.Errorf("expected 1 call for non-retryable error, got %d", calls)
			}
			if len(*delays) != 0 {
				t.Errorf("expected no sleeps, got %d", len(*delays))
			}
		})
	}
}

func TestDoDelayBounds(t *testing.T) {
	e, delays := newTestExecutor(testOptions())

	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		return &errs.ProviderTransientError{Provider: "openai", StatusCode: 429, Err: errors.New("rate limited")}
	})
	if err == nil {
		t.Fatal("expected error")
	}

	// Retries back off 100ms, 200ms, 400ms; each plus up to 100ms jitter.
	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*delays) != len(expected) {
		t.Fatalf("expected %d delays, got %d", len(expected), len(*delays))
	}
	for i, base := range expected {
		d := (*delays)[i]
		if d < base || d >= base+100*time.Millisecond {
			t.Errorf("delay %d = %v, want in [%v, %v)", i, d, base, base+100*time.Millisecond)
		}
	}
}

func TestDoDelayIsCappedAtMax(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 8
	opts.JitterMax = 0
	e, delays := newTestExecutor(opts)

	_ = e.Do(context.Background(), "openai", func(ctx context.Context) error {
		return &errs.ProviderTransientError{Provider: "openai", StatusCode: 503, Err: errors.New("unavailable")}
	})

	for i, d := range *delays {
		if d > opts.MaxDelay {
			t.Errorf("delay %d = %v exceeds max %v", i, d, opts.MaxDelay)
		}
	}
	if last := (*delays)[len(*delays)-1]; last != opts.MaxDelay {
		t.Errorf("expected final delay capped at %v, got %v", opts.MaxDelay, last)
	}
}

func TestDoFailsFastWhenBreakerOpen(t *testing.T) {
	breakers := circuit.NewRegistry(circuit.Options{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
	})
	e := NewExecutor(breakers, testOptions())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	breakers.Get("openai").RecordFailure()

	calls := 0
	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no attempts with open breaker, got %d", calls)
	}
}

func TestDoFeedsBreaker(t *testing.T) {
	breakers := circuit.NewRegistry(circuit.Options{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		MonitoringWindow: time.Minute,
	})
	e := NewExecutor(breakers, testOptions())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	// Two failures inside one Do call trip the threshold-2 breaker, so
	// the third attempt is rejected without running the operation.
	calls := 0
	err := e.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return &errs.ProviderTransientError{Provider: "openai", StatusCode: 503, Err: errors.New("unavailable")}
	})
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts before breaker opened, got %d", calls)
	}
	if !breakers.Get("openai").IsOpen() {
		t.Error("expected breaker open")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	e, _ := newTestExecutor(testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, "openai", func(ctx context.Context) error {
		t.Fatal("operation should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient type", &errs.ProviderTransientError{Provider: "google", StatusCode: 429, Err: errors.New("rate limited")}, true},
		{"validation", errs.NewValidationError("field", "bad"), false},
		{"configuration", errs.NewConfigurationError("azure", "missing endpoint"), false},
		{"429 message", errors.New("request failed with status 429"), true},
		{"503 message", errors.New("error, status code: 503"), true},
		{"400 message", errors.New("request failed with status 400"), false},
		{"404 message", errors.New("error, status code: 404"), false},
		{"rate limit phrase", errors.New("rate limit exceeded, please slow down"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"unauthorized phrase", errors.New("unauthorized: check credentials"), false},
		{"unclassified", errors.New("something odd happened"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
