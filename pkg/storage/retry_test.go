package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/stokerhq/stoker/pkg/types"
)

func TestBackoffCapped(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0))

	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt)
		assert.LessOrEqual(t, d, maxBackoff, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}

	// Early attempts stay near the exponential base
	assert.Less(t, Backoff(1), 2*time.Second)
	assert.GreaterOrEqual(t, Backoff(3), 4*time.Second)
}

func TestWithRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := WithRetry(zerolog.Nop(), "test", 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(zerolog.Nop(), "test", 5, func() error {
		calls++
		return fmt.Errorf("wrapping: %w", types.ErrInvalidTransition)
	})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("disk on fire")
	err := WithRetry(zerolog.Nop(), "test", 2, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
