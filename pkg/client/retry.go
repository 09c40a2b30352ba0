package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for transport retries.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopus_retries_total",
		Help: "Total number of transport retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scopus_retry_backoff_seconds",
		Help:    "Backoff duration for transport retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopus_retry_exhausted_total",
		Help: "Total number of times transport retries were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for transport retries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the configuration for retries extra attempts.
func DefaultRetryConfig(retries int) RetryConfig {
	if retries < 0 {
		retries = 0
	}
	return RetryConfig{
		MaxAttempts:       retries + 1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// transientError marks a failure worth another attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

// retryWithBackoff calls fn until it succeeds, returns an error not marked
// transient, or MaxAttempts is reached. Jitter of ±20% is applied to every
// backoff. Exhaustion yields a *ConnectionError.
func retryWithBackoff(ctx context.Context, config RetryConfig, target string, logger zerolog.Logger, fn func(attempt int) error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	errorClass := string(ErrorClassNetwork)

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("url", target).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		var te *transientError
		if !errors.As(err, &te) {
			return err
		}
		lastErr = te.err

		if attempt >= config.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(errorClass).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(errorClass).Observe(jitter.Seconds())

		logger.Warn().
			Err(lastErr).
			Str("url", target).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Transport error, retrying after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(errorClass).Inc()
	logger.Error().
		Err(lastErr).
		Str("url", target).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &ConnectionError{
		URL:      target,
		Attempts: config.MaxAttempts,
		Err:      fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
}
