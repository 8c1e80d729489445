package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/voxloop/voice-loop/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig returns the defaults used for the STT stream
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc is one connection attempt
type ReconnectFunc func() error

// Reconnect attempts fn with exponential backoff until it succeeds, the
// attempts run out, or the context is done.
func Reconnect(ctx context.Context, name string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	logger := observability.ForComponent("resilience")
	backoff := config.Backoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logger.Info().Str("target", name).Int("attempts", attempt+1).Msg("Reconnected")
			}
			return nil
		}

		if attempt < config.MaxAttempts-1 {
			logger.Warn().
				Str("target", name).
				Int("attempt", attempt+1).
				Int("max", config.MaxAttempts).
				Dur("backoff", backoff).
				Err(err).
				Msg("Reconnection attempt failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	observability.RecordError("reconnect_exhausted", name)
	return fmt.Errorf("failed to reconnect to %s after %d attempts", name, config.MaxAttempts)
}
