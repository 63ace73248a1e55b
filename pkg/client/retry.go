package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_fetch_retries_total",
		Help: "Total number of document fetch retries by error class",
	}, []string{"error_class"})

	fetchRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pms_fetch_retry_backoff_seconds",
		Help:    "Backoff duration before document fetch retries",
		Buckets: []float64{0.5, 1, 2, 4, 5},
	})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_fetch_retry_exhausted_total",
		Help: "Total number of document fetches that exhausted their attempts by last error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration:
// three attempts, waiting 2s and then 4s, never more than 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// newBackOff returns the jitter-free delay schedule for the config.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          c.BackoffMultiplier,
		MaxInterval:         c.MaxBackoff,
	}
	b.Reset()
	return b
}

// attemptState is the terminal state of one attempt.
type attemptState int

const (
	attemptSucceeded attemptState = iota
	attemptRetryable
	attemptFatal
)

func (s attemptState) String() string {
	switch s {
	case attemptSucceeded:
		return "succeeded"
	case attemptRetryable:
		return "retryable"
	case attemptFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// attemptResult is what one attempt hands back to the retry loop.
type attemptResult struct {
	state attemptState
	data  []byte
	err   error
}

func succeeded(data []byte) attemptResult {
	return attemptResult{state: attemptSucceeded, data: data}
}

func retryable(err error) attemptResult {
	return attemptResult{state: attemptRetryable, err: err}
}

func fatal(err error) attemptResult {
	return attemptResult{state: attemptFatal, err: err}
}

// exhaustedError marks the last attempt error of a fetch that ran out of
// attempts. It matches ErrRetryExhausted and reads as the wrapped error.
type exhaustedError struct {
	err error
}

func (e *exhaustedError) Error() string { return e.err.Error() }

func (e *exhaustedError) Unwrap() error { return e.err }

func (e *exhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// retryWithBackoff runs fn until it succeeds, fails fatally, or MaxAttempts is
// reached, sleeping on the backoff schedule between attempts. It returns the
// data of the successful attempt, the number of attempts made and the last
// error. Only an exhausted run yields an error matching ErrRetryExhausted.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func(attempt int) attemptResult) ([]byte, int, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	schedule := config.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := schedule.NextBackOff()
			errorClass := string(classify(lastErr))
			fetchRetriesTotal.WithLabelValues(errorClass).Inc()
			fetchRetryBackoffSeconds.Observe(wait.Seconds())

			logger.Debug().
				Str("error_class", errorClass).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying document fetch after backoff")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Warn().
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				return nil, attempt - 1, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-timer.C:
			}
		}

		result := fn(attempt)
		switch result.state {
		case attemptSucceeded:
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Document fetch succeeded after retry")
			}
			return result.data, attempt, nil
		case attemptFatal:
			return nil, attempt, result.err
		}

		lastErr = result.err
	}

	fetchRetryExhaustedTotal.WithLabelValues(string(classify(lastErr))).Inc()
	logger.Warn().
		Err(lastErr).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, config.MaxAttempts, &exhaustedError{err: lastErr}
}
