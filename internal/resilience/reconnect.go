package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnecting a streaming backend
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Backoff before the second attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Second,
	}
}

// ReconnectFunc dials the backend once
type ReconnectFunc func(ctx context.Context) error

// Reconnect dials until it succeeds, attempts run out or ctx is done. Every
// dial error is retried; a backend that rejects credentials fails each
// attempt and ends up reported as unreachable.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig, logger zerolog.Logger) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var made int
	err := Retry(ctx, func(ctx context.Context, attempt int) error {
		made = attempt + 1
		return fn(ctx)
	}, &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    config.Backoff,
		MaxBackoff:        config.MaxBackoff,
		BackoffMultiplier: config.Multiplier,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", attempts).
				Dur("backoff", wait).
				Msg("Reconnection attempt failed, retrying")
		},
	}, nil)

	if err == nil {
		if made > 1 {
			logger.Info().Int("attempts", made).Msg("Reconnection successful")
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to reconnect after %d attempts: %w", made, err)
}
