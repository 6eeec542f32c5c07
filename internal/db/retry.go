package db

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Cap for exponential backoff
	Multiplier      float64       // Backoff multiplier
	Jitter          bool          // Randomise each wait by +/-10%
}

// DefaultRetryConfig returns the connection retry settings used at startup
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// connectFunc is swapped in tests
var connectFunc = New

// ConnectWithRetry opens the database, retrying connection-class failures
// with exponential backoff until MaxAttempts is reached or ctx is done.
// Configuration errors fail immediately.
func ConnectWithRetry(ctx context.Context, config *Config, retry RetryConfig) (*DB, error) {
	var lastErr error
	backoff := retry.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		db, err := connectFunc(ctx, config)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= retry.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retry.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retry.Multiplier)
		if backoff > retry.MaxInterval {
			backoff = retry.MaxInterval
		}
		if retry.Jitter {
			backoff += time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_attempts", retry.MaxAttempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.MaxAttempts, lastErr)
}
