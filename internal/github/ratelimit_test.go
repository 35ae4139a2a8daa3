// internal/github/ratelimit_test.go
package github

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitState_Update(t *testing.T) {
	reset := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("newer reset window replaces the state", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 100, ResetAt: reset})
		s.Update(RateLimitSnapshot{Remaining: 5000, ResetAt: reset.Add(time.Hour)})
		assert.Equal(t, 5000, s.Snapshot().Remaining)
	})

	t.Run("stale window is discarded", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 100, ResetAt: reset})
		s.Update(RateLimitSnapshot{Remaining: 5000, ResetAt: reset.Add(-time.Hour)})
		assert.Equal(t, 100, s.Snapshot().Remaining)
	})

	t.Run("lower remaining wins within the same window", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 100, ResetAt: reset})
		s.Update(RateLimitSnapshot{Remaining: 42, ResetAt: reset})
		s.Update(RateLimitSnapshot{Remaining: 90, ResetAt: reset})
		assert.Equal(t, 42, s.Snapshot().Remaining)
	})

	t.Run("observation without a reset time is ignored", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 0})
		assert.Equal(t, 1, s.Snapshot().Remaining, "fresh state still permits a request")
	})
}

func TestRateLimitState_Wait(t *testing.T) {
	t.Run("returns immediately while budget remains", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 10, ResetAt: time.Now().Add(time.Hour)})

		done := make(chan error, 1)
		go func() { done <- s.Wait(context.Background()) }()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Wait blocked despite remaining budget")
		}
	})

	t.Run("suspends until the reset time elapses", func(t *testing.T) {
		s := NewRateLimitState()
		resetAt := time.Now().Add(80 * time.Millisecond)
		s.Update(RateLimitSnapshot{Remaining: 0, ResetAt: resetAt})

		require.NoError(t, s.Wait(context.Background()))
		assert.False(t, time.Now().Before(resetAt))
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		s := NewRateLimitState()
		s.Update(RateLimitSnapshot{Remaining: 0, ResetAt: time.Now().Add(time.Hour)})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := s.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
