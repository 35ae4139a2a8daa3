// internal/ingest/scheduler.go
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github-history-ingestor/internal/errors"
	"github-history-ingestor/internal/model"
)

// Scheduler fans ingestion runs out across scopes with bounded concurrency.
// An explicit in-flight registry guarantees at most one running ingestor per
// scope, even when periodic cycles overlap.
type Scheduler struct {
	ingestor       *Ingestor
	maxConcurrency int
	logger         *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewScheduler creates a Scheduler over an Ingestor.
func NewScheduler(ingestor *Ingestor, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Scheduler{
		ingestor:       ingestor,
		maxConcurrency: maxConcurrency,
		logger:         logger,
		inflight:       make(map[string]struct{}),
	}
}

// RunAll ingests every scope concurrently, bounded by the configured maximum.
// Scopes waiting for a slot consume no retry budget; one scope's failure
// never aborts its siblings. All outcomes are collected and reported.
func (s *Scheduler) RunAll(ctx context.Context, scopes []model.Scope) []model.Outcome {
	outcomes := make([]model.Outcome, len(scopes))

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrency)

	for i, scope := range scopes {
		i, scope := i, scope
		g.Go(func() error {
			if !s.acquire(scope) {
				s.logger.Warn("Scope already in flight, skipping", "scope", scope.Key())
				outcomes[i] = model.Outcome{Scope: scope, Status: model.StatusPaused, Err: apperrors.ErrScopeBusy}
				return nil
			}
			defer s.release(scope)

			outcomes[i] = s.ingestor.Run(ctx, scope)
			return nil
		})
	}

	_ = g.Wait() // Workers never return errors; failures live in outcomes.

	s.logSummary(outcomes)
	return outcomes
}

// Start runs ingestion cycles at the given interval until ctx is done,
// beginning with an immediate cycle.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, scopes []model.Scope) {
	s.logger.Info("Starting scheduler",
		"interval", interval.String(), "concurrency", s.maxConcurrency, "scopes", len(scopes))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunAll(ctx, scopes)

	for {
		select {
		case <-ticker.C:
			s.RunAll(ctx, scopes)
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Scheduler) acquire(scope model.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope.Key()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(scope model.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, scope.Key())
}

func (s *Scheduler) logSummary(outcomes []model.Outcome) {
	var completed, paused, failed, commits int
	for _, o := range outcomes {
		commits += o.Commits
		switch o.Status {
		case model.StatusCompleted:
			completed++
		case model.StatusPaused:
			paused++
		case model.StatusFailed:
			failed++
			s.logger.Error("Scope failed", "scope", o.Scope.Key(), "error", o.Err)
		}
	}
	s.logger.Info("Ingestion cycle finished",
		"completed", completed, "paused", paused, "failed", failed, "commits", commits)
}

// ParseScopes turns configured repository strings into full-history scopes.
// Each entry is 'owner/name' or 'owner/name@branch'; entries without an
// explicit branch get defaultBranch, which the caller may leave empty to
// resolve later.
func ParseScopes(repos []string, defaultBranch string) ([]model.Scope, error) {
	var scopes []model.Scope
	for _, r := range repos {
		ident, branch := r, defaultBranch
		if at := strings.IndexByte(r, '@'); at >= 0 {
			ident, branch = r[:at], r[at+1:]
			if branch == "" {
				return nil, &apperrors.ErrInvalidRepoFormat{Repo: r}
			}
		}
		parts := strings.Split(ident, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &apperrors.ErrInvalidRepoFormat{Repo: r}
		}
		scopes = append(scopes, model.Scope{Owner: parts[0], Repo: parts[1], Branch: branch})
	}
	return scopes, nil
}
