// internal/api/handler.go
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-history-ingestor/internal/cache"
	"github-history-ingestor/internal/database"
)

// Handler is the container for API dependencies. The API is the read-only
// query boundary over the commit store; ingestion is triggered elsewhere.
type Handler struct {
	db            database.Querier
	cache         *cache.ResponseCache
	defaultBranch string
	logger        *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db database.Querier, respCache *cache.ResponseCache, defaultBranch string, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:            db,
		cache:         respCache,
		defaultBranch: defaultBranch,
		logger:        logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos/{owner}/{name}/commits", h.getCommits)
		r.Get("/repos/{owner}/{name}/stats/top-committers", h.getTopCommitters)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getCommits lists stored commits for a scope, sorted by committed
// timestamp and paginated.
// GET /v1/repos/{owner}/{name}/commits?branch=&author=&limit=&offset=&order=
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = h.defaultBranch
	}

	limit, ok := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 200)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 200.")
		return
	}
	offset, ok := parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'offset' parameter. Must be a non-negative integer.")
		return
	}

	cacheKey := r.URL.RequestURI()
	if payload, hit := h.cache.Get(r.Context(), cacheKey); hit {
		writeJSONPayload(w, http.StatusOK, payload)
		return
	}

	commits, err := h.db.ListCommits(r.Context(), database.ListCommitsParams{
		Owner:       owner,
		Repo:        name,
		Branch:      branch,
		AuthorEmail: r.URL.Query().Get("author"),
		Limit:       int32(limit),
		Offset:      int32(offset),
		Ascending:   r.URL.Query().Get("order") == "asc",
	})
	if err != nil {
		h.logger.Error("Failed to list commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	payload, err := json.Marshal(commits)
	if err != nil {
		h.logger.Error("Failed to encode commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.cache.Set(r.Context(), cacheKey, payload)
	writeJSONPayload(w, http.StatusOK, payload)
}

// getTopCommitters handles the request for top commit authors.
// GET /v1/repos/{owner}/{name}/stats/top-committers?branch=&limit=N
func (h *Handler) getTopCommitters(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = h.defaultBranch
	}
	limit, ok := parseBoundedInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return
	}

	authors, err := h.db.GetTopCommitAuthors(r.Context(), database.TopAuthorsParams{
		Owner:  owner,
		Repo:   name,
		Branch: branch,
		Limit:  int32(limit),
	})
	if err != nil {
		h.logger.Error("Failed to get top commit authors", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, authors)
}

func parseBoundedInt(raw string, def, min, max int) (int, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSONPayload(w, code, body)
}

func writeJSONPayload(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
