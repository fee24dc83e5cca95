package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times in place, sleeping with exponential
// backoff (base delay, doubling, capped at 60s) plus full jitter between
// attempts. The Scheduler's retry policy does not go through Retry; it uses
// Backoff below.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskmesh")
	attemptCounter, _ := meter.Int64Counter("taskmesh_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskmesh_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskmesh_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// Backoff computes baseDelay * 2^retryCount with full jitter and a cap,
// matching the formula in spec §4.6 exactly (used directly by the Scheduler
// rather than via the generic Retry helper, since retries there are driven
// by re-enqueue rather than an in-place loop).
func Backoff(base time.Duration, retryCount int, maxDelay time.Duration) time.Duration {
	cur := base
	for i := 0; i < retryCount; i++ {
		cur *= 2
		if cur > maxDelay {
			cur = maxDelay
			break
		}
	}
	return time.Duration(rand.Int63n(int64(cur) + 1))
}
