package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig bounds how hard the retrying provider leans on a flaky
// upstream before giving up.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	Interval    time.Duration // base delay between attempts, doubled each retry
	CallTimeout time.Duration // per-call deadline
}

// DefaultRetryConfig matches the ingestion pipeline defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Interval:    500 * time.Millisecond,
		CallTimeout: 30 * time.Second,
	}
}

// RetryingProvider wraps a Provider with bounded retry and per-call
// timeouts. Exhausted retries surface as UnavailableError; deadline
// overruns as TimeoutError. Data-integrity errors never pass through
// here — only transient provider failures are retried.
type RetryingProvider struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry wraps provider. Zero-valued config fields fall back to defaults.
func WithRetry(provider Provider, cfg RetryConfig) *RetryingProvider {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &RetryingProvider{inner: provider, cfg: cfg}
}

// Embed calls the wrapped provider, retrying transient failures with
// doubling backoff up to the configured attempt budget.
func (r *RetryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := r.cfg.Interval

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		vec, err := r.inner.Embed(callCtx, text)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-call deadline fired, not the caller's.
			lastErr = &TimeoutError{Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		slog.Debug("embed attempt failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	var timeout *TimeoutError
	if errors.As(lastErr, &timeout) {
		return nil, lastErr
	}
	return nil, &UnavailableError{Err: lastErr}
}

// Descriptor identifies the wrapped model.
func (r *RetryingProvider) Descriptor() Descriptor {
	return r.inner.Descriptor()
}

// Healthy delegates to the wrapped provider when it supports health checks.
func (r *RetryingProvider) Healthy(ctx context.Context) bool {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}
