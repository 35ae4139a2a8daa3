// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-history-ingestor/internal/model"
)

// Querier is the persistence contract consumed by the ingestor and the API
// layer. *Store is the Postgres implementation; tests substitute a mock.
type Querier interface {
	MergeCommits(ctx context.Context, scope model.Scope, commits []model.Commit) (model.MergeStats, error)
	GetCursor(ctx context.Context, scope model.Scope) (model.Cursor, error)
	SaveCursor(ctx context.Context, scope model.Scope, cursor model.Cursor) error
	ResetCursor(ctx context.Context, scope model.Scope) error
	ListCommits(ctx context.Context, params ListCommitsParams) ([]model.StoredCommit, error)
	GetTopCommitAuthors(ctx context.Context, params TopAuthorsParams) ([]model.AuthorStat, error)
}

// ListCommitsParams narrows and pages a commit listing for one scope.
type ListCommitsParams struct {
	Owner       string
	Repo        string
	Branch      string
	AuthorEmail string
	Limit       int32
	Offset      int32
	Ascending   bool
}

// TopAuthorsParams selects the top-committers aggregation for one branch.
type TopAuthorsParams struct {
	Owner  string
	Repo   string
	Branch string
	Limit  int32
}

// Store is the pgx-backed Commit Store and Cursor Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Querier = (*Store)(nil)

// New creates a Store over an established connection pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

const upsertCommitSQL = `
INSERT INTO commits (owner, repo, branch, oid, message_headline, committed_at, author_name, author_email)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner, repo, branch, oid) DO UPDATE SET
    message_headline = EXCLUDED.message_headline,
    committed_at     = EXCLUDED.committed_at,
    author_name      = EXCLUDED.author_name,
    author_email     = EXCLUDED.author_email`

// MergeCommits upserts one page of commits for a scope inside a single
// transaction, so a partial failure leaves the page entirely unmerged and
// the caller's cursor unadvanced. Re-merging the same page is a no-op.
// A stored commit whose content differs from the incoming record is a remote
// data anomaly: it is logged and the incoming record wins.
func (s *Store) MergeCommits(ctx context.Context, scope model.Scope, commits []model.Commit) (model.MergeStats, error) {
	var stats model.MergeStats
	if len(commits) == 0 {
		return stats, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op once committed.

	existing, err := s.loadExisting(ctx, tx, scope, commits)
	if err != nil {
		return stats, err
	}

	batch := &pgx.Batch{}
	for _, c := range commits {
		prev, found := existing[c.OID]
		if found {
			if sameContent(prev, c) {
				stats.Unchanged++
				continue
			}
			stats.Anomalies++
			s.logger.Warn("Commit content mismatch for stored oid, trusting incoming record",
				"scope", scope.Key(), "oid", c.OID)
		} else {
			stats.Inserted++
		}
		batch.Queue(upsertCommitSQL,
			scope.Owner, scope.Repo, scope.Branch,
			c.OID, c.MessageHeadline, c.CommittedAt, c.AuthorName, c.AuthorEmail)
	}

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return model.MergeStats{}, fmt.Errorf("merging commits: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return model.MergeStats{}, fmt.Errorf("closing merge batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.MergeStats{}, fmt.Errorf("committing merge: %w", err)
	}
	return stats, nil
}

func (s *Store) loadExisting(ctx context.Context, tx pgx.Tx, scope model.Scope, commits []model.Commit) (map[string]model.Commit, error) {
	oids := make([]string, len(commits))
	for i, c := range commits {
		oids[i] = c.OID
	}

	rows, err := tx.Query(ctx, `
SELECT oid, message_headline, committed_at, author_name, author_email
FROM commits
WHERE owner = $1 AND repo = $2 AND branch = $3 AND oid = ANY($4)`,
		scope.Owner, scope.Repo, scope.Branch, oids)
	if err != nil {
		return nil, fmt.Errorf("loading existing commits: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]model.Commit)
	for rows.Next() {
		var c model.Commit
		if err := rows.Scan(&c.OID, &c.MessageHeadline, &c.CommittedAt, &c.AuthorName, &c.AuthorEmail); err != nil {
			return nil, fmt.Errorf("scanning existing commit: %w", err)
		}
		existing[c.OID] = c
	}
	return existing, rows.Err()
}

func sameContent(a, b model.Commit) bool {
	return a.MessageHeadline == b.MessageHeadline &&
		a.CommittedAt.Equal(b.CommittedAt) &&
		a.AuthorName == b.AuthorName &&
		a.AuthorEmail == b.AuthorEmail
}

// GetCursor loads the scope's cursor; a scope that has never been ingested
// gets a start cursor.
func (s *Store) GetCursor(ctx context.Context, scope model.Scope) (model.Cursor, error) {
	var cur model.Cursor
	err := s.pool.QueryRow(ctx, `
SELECT state, token, updated_at
FROM ingest_cursors
WHERE owner = $1 AND repo = $2 AND branch = $3 AND author_id = $4`,
		scope.Owner, scope.Repo, scope.Branch, scope.AuthorID).
		Scan(&cur.State, &cur.Token, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StartCursor(), nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("loading cursor for %s: %w", scope.Key(), err)
	}
	return cur, nil
}

// SaveCursor durably records the scope's cursor; it is the ingestor's
// synchronization point and only called after the page merge committed.
func (s *Store) SaveCursor(ctx context.Context, scope model.Scope, cursor model.Cursor) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingest_cursors (owner, repo, branch, author_id, state, token, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (owner, repo, branch, author_id) DO UPDATE SET
    state = EXCLUDED.state,
    token = EXCLUDED.token,
    updated_at = EXCLUDED.updated_at`,
		scope.Owner, scope.Repo, scope.Branch, scope.AuthorID,
		cursor.State, cursor.Token, cursor.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", scope.Key(), err)
	}
	return nil
}

// ResetCursor clears the scope's cursor for an explicit full re-ingestion.
func (s *Store) ResetCursor(ctx context.Context, scope model.Scope) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM ingest_cursors
WHERE owner = $1 AND repo = $2 AND branch = $3 AND author_id = $4`,
		scope.Owner, scope.Repo, scope.Branch, scope.AuthorID)
	if err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", scope.Key(), err)
	}
	return nil
}

// ListCommits returns stored commits for a scope ordered by committed
// timestamp, optionally filtered to one author email.
func (s *Store) ListCommits(ctx context.Context, params ListCommitsParams) ([]model.StoredCommit, error) {
	order := "DESC"
	if params.Ascending {
		order = "ASC"
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT owner, repo, branch, oid, message_headline, committed_at, author_name, author_email, first_seen_at
FROM commits
WHERE owner = $1 AND repo = $2 AND branch = $3`
	args := []any{params.Owner, params.Repo, params.Branch}
	if params.AuthorEmail != "" {
		query += fmt.Sprintf(" AND author_email = $%d", len(args)+1)
		args = append(args, params.AuthorEmail)
	}
	query += fmt.Sprintf(" ORDER BY committed_at %s LIMIT $%d OFFSET $%d", order, len(args)+1, len(args)+2)
	args = append(args, limit, params.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	var commits []model.StoredCommit
	for rows.Next() {
		var c model.StoredCommit
		if err := rows.Scan(&c.Owner, &c.Repo, &c.Branch, &c.OID, &c.MessageHeadline,
			&c.CommittedAt, &c.AuthorName, &c.AuthorEmail, &c.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("scanning commit row: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// GetTopCommitAuthors aggregates commit counts per author identity for one
// branch scope.
func (s *Store) GetTopCommitAuthors(ctx context.Context, params TopAuthorsParams) ([]model.AuthorStat, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `
SELECT author_name, author_email, COUNT(*) AS commits
FROM commits
WHERE owner = $1 AND repo = $2 AND branch = $3
GROUP BY author_name, author_email
ORDER BY commits DESC, author_name ASC
LIMIT $4`,
		params.Owner, params.Repo, params.Branch, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregating top authors: %w", err)
	}
	defer rows.Close()

	var authors []model.AuthorStat
	for rows.Next() {
		var a model.AuthorStat
		if err := rows.Scan(&a.AuthorName, &a.AuthorEmail, &a.Commits); err != nil {
			return nil, fmt.Errorf("scanning author row: %w", err)
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}
