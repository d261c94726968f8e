// Package resilience adapts the teacher's libs/go/core/resilience package
// (generic exponential-backoff retry, adaptive circuit breaker) from generic
// request resilience to the domain this module needs it for: guarding
// Runner invocations so a string of RunnerTimeout/RunnerError failures trips
// a circuit that feeds internal/recovery's ESCALATE decision, instead of
// retrying forever.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
)

// Retry executes fn with exponential backoff and the library's default
// randomized jitter via cenkalti/backoff/v4, replacing the teacher's hand-rolled rand.Int63n jitter
// loop with the ecosystem library while keeping the same generic-function
// shape and OTel instrumentation.
func Retry[T any](ctx context.Context, attempts int, initialDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter(telemetry.Meter)
	attemptCounter, _ := meter.Int64Counter("aipm_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("aipm_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("aipm_resilience_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempts, not elapsed wall-clock
	boWithCtx := backoff.WithContext(bo, ctx)

	var result T
	var lastErr error
	i := 0
	op := func() error {
		i++
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			result = v
			successCounter.Add(ctx, 1)
			return nil
		}
		lastErr = err
		if i >= attempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, boWithCtx); err != nil {
		failCounter.Add(ctx, 1)
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	return result, nil
}
