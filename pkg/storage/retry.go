package storage

import (
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/types"
)

// DefaultRetryAttempts is how many times best-effort store writes are
// retried before a warning is surfaced.
const DefaultRetryAttempts = 5

// maxBackoff caps the retry backoff between attempts.
const maxBackoff = 30 * time.Second

// Backoff returns the exponential backoff duration for a retry attempt,
// with jitter, capped at maxBackoff. Sequence: 1s, 2s, 4s, 8s, 16s, 30s.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	result := d + jitter
	if result > maxBackoff {
		result = maxBackoff
	}
	return result
}

// WithRetry runs fn up to attempts times with capped exponential backoff.
// Used for status transitions after the critical Enqueue path: those writes
// are best-effort-retry and surface a warning once attempts are exhausted.
func WithRetry(logger zerolog.Logger, op string, attempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if attempt < attempts {
			wait := Backoff(attempt)
			logger.Debug().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("store write failed, retrying")
			time.Sleep(wait)
		}
	}
	logger.Warn().Err(err).Str("op", op).Int("attempts", attempts).Msg("store write failed after retries")
	return err
}

// permanent reports whether retrying cannot help.
func permanent(err error) bool {
	return errors.Is(err, types.ErrInvalidTransition) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrDuplicateID)
}
