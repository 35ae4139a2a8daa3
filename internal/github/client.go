// internal/github/client.go
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	gh "github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	apperrors "github-history-ingestor/internal/errors"
	"github-history-ingestor/internal/model"
)

const userAgent = "github-history-ingestor"

// Config carries the fetch-side tunables.
type Config struct {
	Token          string
	Endpoint       string // GraphQL endpoint, e.g. https://api.github.com/graphql
	PageSize       int
	RetryLimit     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RequestsPerSec float64
}

// Client is the page fetcher: it issues paginated GraphQL history queries,
// classifies failures, and keeps the shared rate limit state current. A
// go-github REST client rides along for repository metadata lookups.
type Client struct {
	httpClient  *http.Client
	gh          *gh.Client
	endpoint    string
	pageSize    int
	retryLimit  int
	backoffBase time.Duration
	backoffCap  time.Duration
	limiter     *rate.Limiter
	limits      *RateLimitState
	logger      *slog.Logger
}

// NewClient creates and configures a new Client instance. The rate limit
// state handle is injected so every fetcher in the process shares one budget.
func NewClient(cfg Config, limits *RateLimitState, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cfg.Token},
	)
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = 30 * time.Second

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}

	return &Client{
		httpClient:  tc,
		gh:          gh.NewClient(tc),
		endpoint:    cfg.Endpoint,
		pageSize:    cfg.PageSize,
		retryLimit:  cfg.RetryLimit,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		limits:      limits,
		logger:      logger,
	}
}

// attemptError is the classified result of one failed request attempt.
type attemptError struct {
	retryable bool
	reason    string
	err       error
}

func (e *attemptError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }

// FetchPage fetches one page of commit history for the scope from the given
// cursor. The query shape is selected by whether the scope names an author.
// Transient failures are retried with exponential backoff and jitter up to
// the configured retry limit; exhaustion returns a FetchFailedError carrying
// the scope and cursor. Permanent failures return a FetchFatalError
// immediately.
func (c *Client) FetchPage(ctx context.Context, scope model.Scope, cursor model.Cursor) (*model.Page, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.MaxInterval = c.backoffCap
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		if err := c.limits.Wait(ctx); err != nil {
			return nil, &apperrors.FetchFailedError{Scope: scope, Cursor: cursor, Attempts: attempt - 1, Err: err}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &apperrors.FetchFailedError{Scope: scope, Cursor: cursor, Attempts: attempt - 1, Err: err}
		}

		page, aerr := c.fetchPageOnce(ctx, scope, cursor)
		if aerr == nil {
			return page, nil
		}
		if !aerr.retryable {
			return nil, &apperrors.FetchFatalError{Scope: scope, Reason: aerr.reason, Err: aerr.err}
		}

		c.logger.Warn("Transient fetch failure",
			"scope", scope.Key(), "attempt", attempt, "reason", aerr.reason, "error", aerr.err)

		if attempt >= c.retryLimit {
			return nil, &apperrors.FetchFailedError{Scope: scope, Cursor: cursor, Attempts: attempt, Err: aerr.err}
		}
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return nil, &apperrors.FetchFailedError{Scope: scope, Cursor: cursor, Attempts: attempt, Err: err}
		}
	}
}

func (c *Client) fetchPageOnce(ctx context.Context, scope model.Scope, cursor model.Cursor) (*model.Page, *attemptError) {
	query := commitHistoryQuery
	variables := map[string]any{
		"owner":  scope.Owner,
		"name":   scope.Repo,
		"branch": scope.Branch,
		"first":  c.pageSize,
	}
	if cursor.State == model.CursorContinue {
		variables["after"] = cursor.Token
	}
	if scope.AuthorID != "" {
		query = commitHistoryByAuthorQuery
		variables["authorId"] = scope.AuthorID
	}

	data, aerr := c.graphqlDo(ctx, query, variables)
	if aerr != nil {
		return nil, aerr
	}

	var payload historyData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &attemptError{reason: "malformed history response", err: err}
	}
	if payload.Repository == nil {
		return nil, &attemptError{reason: "repository not found", err: fmt.Errorf("no repository %s/%s", scope.Owner, scope.Repo)}
	}
	if payload.Repository.Ref == nil || payload.Repository.Ref.Target == nil || payload.Repository.Ref.Target.History == nil {
		return nil, &attemptError{reason: "branch not found", err: fmt.Errorf("no ref %q in %s/%s", scope.Branch, scope.Owner, scope.Repo)}
	}

	history := payload.Repository.Ref.Target.History
	page := &model.Page{
		EndCursor:   history.PageInfo.EndCursor,
		HasNextPage: history.PageInfo.HasNextPage,
		Commits:     make([]model.Commit, 0, len(history.Edges)),
	}
	for _, edge := range history.Edges {
		page.Commits = append(page.Commits, model.Commit{
			OID:             edge.Node.OID,
			MessageHeadline: edge.Node.MessageHeadline,
			CommittedAt:     edge.Node.CommittedDate,
			AuthorName:      edge.Node.Author.Name,
			AuthorEmail:     edge.Node.Author.Email,
		})
	}
	return page, nil
}

// ResolveUserID looks up the GraphQL node id for a login, used to build
// author-filtered scopes. An unknown login returns ("", nil).
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, error) {
	if err := c.limits.Wait(ctx); err != nil {
		return "", err
	}
	data, aerr := c.graphqlDo(ctx, userIDQuery, map[string]any{"login": login})
	if aerr != nil {
		return "", fmt.Errorf("resolving user id for %q: %w", login, aerr.err)
	}

	var payload struct {
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("parsing user id response: %w", err)
	}
	if payload.User == nil {
		return "", nil
	}
	return payload.User.ID, nil
}

// ContributedRepos lists the repositories a user committed to in the current
// contribution window, with their default branches.
func (c *Client) ContributedRepos(ctx context.Context, login string) ([]model.Repository, error) {
	if err := c.limits.Wait(ctx); err != nil {
		return nil, err
	}
	data, aerr := c.graphqlDo(ctx, contributedReposQuery, map[string]any{"username": login})
	if aerr != nil {
		return nil, fmt.Errorf("listing contributed repos for %q: %w", login, aerr.err)
	}

	var payload struct {
		User *struct {
			ContributionsCollection struct {
				CommitContributionsByRepository []struct {
					Repository struct {
						Name  string `json:"name"`
						Owner struct {
							Login string `json:"login"`
						} `json:"owner"`
						DefaultBranchRef *struct {
							Name string `json:"name"`
						} `json:"defaultBranchRef"`
					} `json:"repository"`
					Contributions struct {
						TotalCount int `json:"totalCount"`
					} `json:"contributions"`
				} `json:"commitContributionsByRepository"`
			} `json:"contributionsCollection"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing contributed repos response: %w", err)
	}
	if payload.User == nil {
		return nil, fmt.Errorf("user %q not found", login)
	}

	var repos []model.Repository
	for _, contrib := range payload.User.ContributionsCollection.CommitContributionsByRepository {
		if contrib.Contributions.TotalCount == 0 {
			continue
		}
		repo := model.Repository{
			Owner:       contrib.Repository.Owner.Login,
			Name:        contrib.Repository.Name,
			CommitCount: contrib.Contributions.TotalCount,
		}
		if contrib.Repository.DefaultBranchRef != nil {
			repo.DefaultBranch = contrib.Repository.DefaultBranchRef.Name
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// GetRepository fetches repository metadata over REST, used to discover the
// default branch when a configured scope omits one.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	repo, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	return &model.Repository{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		DefaultBranch: repo.GetDefaultBranch(),
	}, nil
}

// graphqlDo issues one GraphQL request and classifies any failure. The
// shared rate limit state is updated from the response on every attempt,
// success or failure.
func (c *Client) graphqlDo(ctx context.Context, query string, variables map[string]any) (json.RawMessage, *attemptError) {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, &attemptError{reason: "encoding request", err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{reason: "building request", err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &attemptError{retryable: true, reason: "request cancelled", err: ctx.Err()}
		}
		return nil, &attemptError{retryable: true, reason: "network error", err: err}
	}
	defer resp.Body.Close()

	c.updateLimitsFromHeaders(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &attemptError{retryable: true, reason: "reading response", err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &attemptError{retryable: true, reason: "server error",
			err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &attemptError{reason: "authentication rejected",
			err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// Secondary rate limits arrive as 403/429 with budget headers.
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" || resp.Header.Get("Retry-After") != "" {
			return nil, &attemptError{retryable: true, reason: "rate limited",
				err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return nil, &attemptError{reason: "access forbidden",
			err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	case resp.StatusCode != http.StatusOK:
		return nil, &attemptError{reason: "unexpected status",
			err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &attemptError{reason: "malformed response", err: err}
	}

	// rateLimit rides along in data whenever the query selects it.
	if len(envelope.Data) > 0 {
		var budget struct {
			RateLimit *rateLimitPayload `json:"rateLimit"`
		}
		if err := json.Unmarshal(envelope.Data, &budget); err == nil && budget.RateLimit != nil {
			c.limits.Update(budget.RateLimit.snapshot())
		}
	}

	for _, gqlErr := range envelope.Errors {
		switch gqlErr.Type {
		case "RATE_LIMITED":
			return nil, &attemptError{retryable: true, reason: "rate limited", err: fmt.Errorf("graphql: %s", gqlErr.Message)}
		case "NOT_FOUND":
			return nil, &attemptError{reason: "not found", err: fmt.Errorf("graphql: %s", gqlErr.Message)}
		}
	}
	if len(envelope.Errors) > 0 {
		return nil, &attemptError{reason: "graphql error", err: fmt.Errorf("graphql: %s", envelope.Errors[0].Message)}
	}
	if len(envelope.Data) == 0 {
		return nil, &attemptError{reason: "malformed response", err: fmt.Errorf("response has no data")}
	}

	return envelope.Data, nil
}

func (c *Client) updateLimitsFromHeaders(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	c.limits.Update(RateLimitSnapshot{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   time.Unix(resetUnix, 0),
	})
}

type rateLimitPayload struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (p *rateLimitPayload) snapshot() RateLimitSnapshot {
	return RateLimitSnapshot{Remaining: p.Remaining, Limit: p.Limit, ResetAt: p.ResetAt}
}

type historyData struct {
	Repository *struct {
		Ref *struct {
			Target *struct {
				History *historyPayload `json:"history"`
			} `json:"target"`
		} `json:"ref"`
	} `json:"repository"`
}

type historyPayload struct {
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
	Edges []struct {
		Node struct {
			OID             string    `json:"oid"`
			MessageHeadline string    `json:"messageHeadline"`
			CommittedDate   time.Time `json:"committedDate"`
			Author          struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"node"`
	} `json:"edges"`
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
