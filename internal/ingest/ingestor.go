// internal/ingest/ingestor.go
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github-history-ingestor/internal/database"
	apperrors "github-history-ingestor/internal/errors"
	"github-history-ingestor/internal/model"
)

// Fetcher is the page-fetching contract the ingestor drives. *github.Client
// implements it.
type Fetcher interface {
	FetchPage(ctx context.Context, scope model.Scope, cursor model.Cursor) (*model.Page, error)
}

// Ingestor drives one scope's paginated history to completion or to a
// recoverable pause point: fetch a page, merge it, advance the cursor,
// strictly in that order.
type Ingestor struct {
	fetcher Fetcher
	db      database.Querier
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngestor creates an Ingestor over a fetcher and a store.
func NewIngestor(fetcher Fetcher, db database.Querier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		fetcher: fetcher,
		db:      db,
		logger:  logger,
		now:     time.Now,
	}
}

// Run ingests the scope from its saved cursor. A scope whose cursor is
// already done completes immediately; interrupted runs leave a resumable
// cursor behind and report Paused; permanent fetch errors report Failed with
// the cursor untouched. Partial progress is never rolled back.
func (ing *Ingestor) Run(ctx context.Context, scope model.Scope) model.Outcome {
	logger := ing.logger.With("scope", scope.Key())

	cursor, err := ing.db.GetCursor(ctx, scope)
	if err != nil {
		logger.Error("Failed to load cursor", "error", err)
		return model.Outcome{Scope: scope, Status: model.StatusPaused, Err: err}
	}

	outcome := model.Outcome{Scope: scope, Cursor: cursor}
	for cursor.HasNext() {
		// Cancellation is cooperative and only observed between pages, so a
		// page that started always finishes its merge and cursor advance.
		select {
		case <-ctx.Done():
			logger.Info("Ingestion cancelled, scope left resumable", "pages", outcome.Pages)
			outcome.Status = model.StatusPaused
			outcome.Err = ctx.Err()
			return outcome
		default:
		}

		page, err := ing.fetcher.FetchPage(ctx, scope, cursor)
		if err != nil {
			if apperrors.IsFatal(err) {
				logger.Error("Permanent fetch error, operator intervention required", "error", err)
				outcome.Status = model.StatusFailed
			} else {
				logger.Warn("Fetch retries exhausted, pausing scope", "error", err)
				outcome.Status = model.StatusPaused
			}
			outcome.Err = err
			return outcome
		}

		stats, err := ing.db.MergeCommits(ctx, scope, page.Commits)
		if err != nil {
			// The page is treated as not merged; the unadvanced cursor makes
			// the next run retry it in full.
			logger.Error("Failed to merge page, pausing scope", "error", err)
			outcome.Status = model.StatusPaused
			outcome.Err = err
			return outcome
		}

		next := cursor.Advance(page.EndCursor, page.HasNextPage, ing.now())
		if err := ing.db.SaveCursor(ctx, scope, next); err != nil {
			logger.Error("Failed to save cursor, pausing scope", "error", err)
			outcome.Status = model.StatusPaused
			outcome.Err = err
			return outcome
		}

		cursor = next
		outcome.Cursor = next
		outcome.Pages++
		outcome.Commits += len(page.Commits)
		logger.Debug("Page merged and cursor advanced",
			"page", outcome.Pages, "commits", len(page.Commits),
			"inserted", stats.Inserted, "unchanged", stats.Unchanged, "anomalies", stats.Anomalies,
			"has_next", page.HasNextPage)
	}

	logger.Info("Scope fully synced", "pages", outcome.Pages, "commits", outcome.Commits)
	outcome.Status = model.StatusCompleted
	return outcome
}

// Reset clears the scope's cursor for an explicit full re-ingestion. Merge
// idempotence makes the subsequent refetch safe.
func (ing *Ingestor) Reset(ctx context.Context, scope model.Scope) error {
	if err := ing.db.ResetCursor(ctx, scope); err != nil {
		return err
	}
	ing.logger.Info("Cursor reset for full re-ingestion", "scope", scope.Key())
	return nil
}
