// Package resilience wraps fortify retry, circuit breaker and rate limiting
// around calls to external tools and services.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// Config configures the resilience patterns applied to one kind of call.
type Config struct {
	// Retry configuration. Attempts counts the first call.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Requests per minute (0 = disabled).
	RateLimitRPM int

	// Circuit breaker.
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int           // failures before opening
	CircuitBreakerTimeout   time.Duration // how long to stay open
}

// StoreUploadConfig is the policy for store uploads: five attempts in
// total with exponential backoff.
func StoreUploadConfig(attempts int) Config {
	if attempts <= 0 {
		attempts = 5
	}
	return Config{
		Attempts:     attempts,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

// WebhookConfig is the policy for notification webhooks.
func WebhookConfig() Config {
	return Config{
		Attempts:                3,
		InitialDelay:            500 * time.Millisecond,
		MaxDelay:                10 * time.Second,
		RateLimitRPM:            60,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// Executor runs operations with the configured patterns.
// Order: rate limit, circuit breaker, retry, operation.
type Executor[T any] struct {
	rateLimiter    ratelimit.RateLimiter
	retrier        retry.Retry[T]
	circuitBreaker circuitbreaker.CircuitBreaker[T]
	key            string
}

// New creates an executor. key names the rate limit bucket.
func New[T any](key string, cfg Config) *Executor[T] {
	e := &Executor[T]{key: key}

	if cfg.RateLimitRPM > 0 {
		e.rateLimiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RateLimitRPM,
			Burst:    cfg.RateLimitRPM * 2,
			Interval: time.Minute,
		})
	}

	if cfg.Attempts > 1 {
		e.retrier = retry.New[T](retry.Config{
			MaxAttempts:   cfg.Attempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   IsRetryable,
		})
	}

	if cfg.CircuitBreakerEnabled {
		threshold := cfg.CircuitBreakerThreshold
		e.circuitBreaker = circuitbreaker.New[T](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.CircuitBreakerTimeout,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- bounded config value
			},
		})
	}

	return e
}

// Do runs op and reports how many times it was called.
func (e *Executor[T]) Do(ctx context.Context, op func(context.Context) (T, error)) (T, int, error) {
	var calls atomic.Int32
	counted := func(ctx context.Context) (T, error) {
		calls.Add(1)
		return op(ctx)
	}

	if e == nil {
		v, err := counted(ctx)
		return v, int(calls.Load()), err
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.Wait(ctx, e.key); err != nil {
			var zero T
			return zero, 0, err
		}
	}

	var (
		v   T
		err error
	)
	if e.circuitBreaker != nil {
		v, err = e.circuitBreaker.Execute(ctx, func(ctx context.Context) (T, error) {
			return e.withRetry(ctx, counted)
		})
	} else {
		v, err = e.withRetry(ctx, counted)
	}
	return v, int(calls.Load()), err
}

func (e *Executor[T]) withRetry(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	if e.retrier != nil {
		return e.retrier.Do(ctx, op)
	}
	return op(ctx)
}

// CircuitBreakerState returns "closed", "half-open", "open", or "disabled".
func (e *Executor[T]) CircuitBreakerState() string {
	if e == nil || e.circuitBreaker == nil {
		return "disabled"
	}
	return e.circuitBreaker.State().String()
}

// Close releases resources held by the rate limiter.
func (e *Executor[T]) Close() error {
	if e == nil || e.rateLimiter == nil {
		return nil
	}
	return e.rateLimiter.Close()
}

// IsRetryable decides whether a failed call is worth repeating. Structured
// errors carry their own verdict; plain errors are judged by their text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if rperrors.GetKind(err) != rperrors.KindUnknown {
		return rperrors.IsRecoverable(err)
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "too many requests", "429", "500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"connection", "timeout", "temporary"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{"400", "401", "403", "404"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}
