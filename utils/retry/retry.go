// Package retry wraps provider calls with bounded retries, exponential
// backoff with jitter, and circuit breaker protection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/psd-ai/studio/utils/circuit"
	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/errs"
)

// Options holds configuration for retry operations
type Options struct {
	MaxRetries        int           // Maximum number of retries after the first attempt
	InitialDelay      time.Duration // Delay after the first failed attempt
	MaxDelay          time.Duration // Cap on the exponential delay
	BackoffMultiplier float64       // Exponential backoff factor
	JitterMax         time.Duration // Upper bound of the random jitter added to each delay
}

// DefaultOptions provides the default retry policy
func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMax:         100 * time.Millisecond,
	}
}

// Executor runs provider operations with retry and breaker protection. The
// breaker registry is shared across all concurrent executions so sustained
// provider failures trip the breaker process-wide.
type Executor struct {
	breakers *circuit.Registry
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor backed by the given breaker registry
func NewExecutor(breakers *circuit.Registry, opts Options) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 2.0
	}
	return &Executor{
		breakers: breakers,
		opts:     opts,
		sleep:    sleepCtx,
	}
}

// Do executes op against the named provider. Non-retryable errors are
// returned after a single attempt; retryable errors are retried up to
// MaxRetries times with exponential backoff, so MaxRetries=3 absorbs three
// failures before the fourth and final attempt. Every attempt outcome is
// recorded on the provider's circuit breaker, and an open breaker rejects
// the call before any attempt is made.
func (e *Executor) Do(ctx context.Context, provider string, op func(context.Context) error) error {
	breaker := e.breakers.Get(provider)

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if breaker.IsOpen() {
			return fmt.Errorf("%s: %w", provider, errs.ErrCircuitOpen)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()

		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == e.opts.MaxRetries {
			break
		}

		delay := e.delayFor(attempt)
		config.DebugLog("[Retry] %s attempt %d/%d failed: %v; retrying in %v",
			provider, attempt+1, e.opts.MaxRetries+1, lastErr, delay)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", e.opts.MaxRetries+1, lastErr)
}

// delayFor computes min(initialDelay * multiplier^attempt, maxDelay) plus
// random jitter in [0, jitterMax); attempt is zero-based
func (e *Executor) delayFor(attempt int) time.Duration {
	backoff := float64(e.opts.InitialDelay) * math.Pow(e.opts.BackoffMultiplier, float64(attempt))
	if max := float64(e.opts.MaxDelay); backoff > max {
		backoff = max
	}
	delay := time.Duration(backoff)
	if e.opts.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(e.opts.JitterMax)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableStatusFragments are HTTP status codes that indicate a transient
// provider failure when they appear in an error message
var retryableStatusFragments = []string{
	"status 429", "status 500", "status 502", "status 503", "status 504",
	"status code: 429", "status code: 500", "status code: 502",
	"status code: 503", "status code: 504",
}

// nonRetryableStatusFragments are client errors that retrying cannot fix
var nonRetryableStatusFragments = []string{
	"status 400", "status 401", "status 403", "status 404", "status 422",
	"status code: 400", "status code: 401", "status code: 403",
	"status code: 404", "status code: 422",
}

var transientPhrases = []string{
	"rate limit", "quota exceeded", "too many requests",
	"connection reset", "connection refused", "broken pipe",
	"timeout", "timed out", "temporarily unavailable",
	"service unavailable", "overloaded", "throttl",
	"eof", "no such host",
}

var authPhrases = []string{
	"unauthorized", "invalid api key", "invalid x-api-key",
	"authentication", "permission denied", "forbidden",
}

// Retryable classifies an error as retryable or fatal. Validation,
// configuration, and substitution errors are never retried; neither are
// auth failures or 4xx responses other than 429.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errs.IsFatal(err) {
		return false
	}
	var transient *errs.ProviderTransientError
	if errors.As(err, &transient) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryableStatusFragments {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	for _, phrase := range authPhrases {
		if strings.Contains(msg, phrase) {
			return false
		}
	}
	for _, frag := range retryableStatusFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
