// internal/github/ratelimit.go
package github

import (
	"context"
	"sync"
	"time"
)

// RateLimitSnapshot is one observation of the remote API's request budget.
type RateLimitSnapshot struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// RateLimitState is the process-wide view of the remote request budget,
// shared by every concurrent fetcher. Readers take an optimistic snapshot to
// decide whether to suspend; writers apply observations through a single
// compare-and-update critical section, so a stale response can never roll the
// state backwards.
type RateLimitState struct {
	mu      sync.Mutex
	version uint64
	snap    RateLimitSnapshot
}

// NewRateLimitState returns a state that permits requests until the first
// observation arrives.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{snap: RateLimitSnapshot{Remaining: 1}}
}

// Snapshot returns the current view of the budget.
func (s *RateLimitState) Snapshot() RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Update applies an observation from a response. Observations for an older
// reset window than the one already recorded are discarded; within the same
// window the lower remaining count wins.
func (s *RateLimitState) Update(obs RateLimitSnapshot) {
	if obs.ResetAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case obs.ResetAt.After(s.snap.ResetAt):
		s.snap = obs
	case obs.ResetAt.Equal(s.snap.ResetAt) && obs.Remaining < s.snap.Remaining:
		s.snap = obs
	default:
		return
	}
	s.version++
}

// Wait suspends the caller until the budget permits a request or ctx is
// done. It never busy-polls: when the budget is exhausted it sleeps on a
// timer armed for the reported reset time.
func (s *RateLimitState) Wait(ctx context.Context) error {
	for {
		snap := s.Snapshot()
		if snap.Remaining > 0 {
			return nil
		}
		delay := time.Until(snap.ResetAt)
		if delay <= 0 {
			// Reset time has passed; optimistically allow one request
			// through so the next response refreshes the window.
			s.Update(RateLimitSnapshot{Remaining: 1, Limit: snap.Limit, ResetAt: snap.ResetAt.Add(time.Second)})
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
