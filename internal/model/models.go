// internal/model/models.go
package model

import (
	"fmt"
	"time"
)

// Commit is the unit of ingestion: one commit as reported by the GraphQL
// history query. Content fields are immutable once stored; AuthorEmail may
// legitimately be empty.
type Commit struct {
	OID             string    `json:"oid"`
	MessageHeadline string    `json:"message_headline"`
	CommittedAt     time.Time `json:"committed_at"`
	AuthorName      string    `json:"author_name"`
	AuthorEmail     string    `json:"author_email"`
}

// StoredCommit is a Commit together with the scope association it was
// observed under and the time it was first merged.
type StoredCommit struct {
	Commit
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Scope identifies one independent ingestion unit: a branch of a repository,
// optionally filtered to a single author. AuthorID is the GraphQL node id of
// the author; AuthorLogin is carried for logging only and never keys anything.
type Scope struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	AuthorID    string `json:"author_id,omitempty"`
	AuthorLogin string `json:"author_login,omitempty"`
}

// Key returns a stable identifier for registries and outcome maps.
func (s Scope) Key() string {
	if s.AuthorID == "" {
		return fmt.Sprintf("%s/%s@%s", s.Owner, s.Repo, s.Branch)
	}
	return fmt.Sprintf("%s/%s@%s?author=%s", s.Owner, s.Repo, s.Branch, s.AuthorID)
}

func (s Scope) String() string { return s.Key() }

// CursorState tags the pagination position of a scope.
type CursorState string

const (
	// CursorStart marks a scope that has never fetched a page.
	CursorStart CursorState = "start"
	// CursorContinue marks a scope with more pages to fetch from Token.
	CursorContinue CursorState = "continue"
	// CursorDone marks a fully synced scope.
	CursorDone CursorState = "done"
)

// Cursor is the durable continuation token for one scope. It is only
// advanced after the page it refers to has been merged.
type Cursor struct {
	State     CursorState `json:"state"`
	Token     string      `json:"token,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// StartCursor is the cursor of a scope that has never been ingested.
func StartCursor() Cursor {
	return Cursor{State: CursorStart}
}

// HasNext reports whether more pages remain for the scope.
func (c Cursor) HasNext() bool {
	return c.State != CursorDone
}

// Advance returns the cursor that follows a successfully merged page.
func (c Cursor) Advance(endCursor string, hasNextPage bool, now time.Time) Cursor {
	next := Cursor{Token: endCursor, UpdatedAt: now}
	if hasNextPage {
		next.State = CursorContinue
	} else {
		next.State = CursorDone
	}
	return next
}

// Page is one bounded batch of commits returned by a single history query.
type Page struct {
	Commits     []Commit
	EndCursor   string
	HasNextPage bool
}

// Status is the terminal state of one ingestion run for one scope.
type Status string

const (
	// StatusCompleted means the scope's history was drained to the last page.
	StatusCompleted Status = "completed"
	// StatusPaused means the run stopped at a resumable cursor (retry
	// exhaustion, storage failure, cancellation, or a busy scope).
	StatusPaused Status = "paused"
	// StatusFailed means the run hit a permanent error and needs operator
	// attention; the cursor is left untouched.
	StatusFailed Status = "failed"
)

// Outcome summarizes one ingestion run. Err is set for Paused and Failed.
type Outcome struct {
	Scope   Scope
	Status  Status
	Pages   int
	Commits int
	Cursor  Cursor
	Err     error
}

// MergeStats reports what one page merge did to the store.
type MergeStats struct {
	Inserted  int64
	Unchanged int64
	Anomalies int64
}

// Repository is the subset of repository metadata the ingestor cares about,
// used to discover default branches and to expand a user's contributed repos.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	CommitCount   int    `json:"commit_count,omitempty"`
}

// AuthorStat is one row of the top-committers aggregation.
type AuthorStat struct {
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Commits     int64  `json:"commits"`
}
