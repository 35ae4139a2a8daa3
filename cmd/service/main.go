// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github-history-ingestor/internal/api"
	"github-history-ingestor/internal/cache"
	"github-history-ingestor/internal/config"
	"github-history-ingestor/internal/database"
	"github-history-ingestor/internal/github"
	"github-history-ingestor/internal/ingest"
	"github-history-ingestor/internal/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "github-history-ingestor",
		Short:         "Ingests GitHub commit history into Postgres and serves it over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newIngestCmd(), newUserCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the query API and the periodic ingestion scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			scopes, err := app.configuredScopes(ctx)
			if err != nil {
				return err
			}
			go app.scheduler.Start(ctx, app.cfg.SyncInterval, scopes)

			server := &http.Server{
				Addr:    app.cfg.HTTPAddr,
				Handler: api.NewRouter(app.store, app.cache, app.cfg.DefaultBranch, app.logger),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			app.logger.Info("API server listening", "addr", app.cfg.HTTPAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			app.logger.Info("Shutdown complete")
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			scopes, err := app.configuredScopes(ctx)
			if err != nil {
				return err
			}
			if full {
				for _, scope := range scopes {
					if err := app.ingestor.Reset(ctx, scope); err != nil {
						return err
					}
				}
			}

			outcomes := app.scheduler.RunAll(ctx, scopes)
			return outcomesErr(outcomes)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "reset cursors and re-ingest the full history")
	return cmd
}

func newUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user <login>",
		Short: "Ingest a user's commits across the repositories they contributed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			login := args[0]
			authorID, err := app.ghClient.ResolveUserID(ctx, login)
			if err != nil {
				return err
			}
			if authorID == "" {
				return fmt.Errorf("github user %q not found", login)
			}

			repos, err := app.ghClient.ContributedRepos(ctx, login)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				app.logger.Info("No contributed repositories found", "login", login)
				return nil
			}

			scopes := make([]model.Scope, 0, len(repos))
			for _, repo := range repos {
				branch := repo.DefaultBranch
				if branch == "" {
					branch = app.cfg.DefaultBranch
				}
				scopes = append(scopes, model.Scope{
					Owner:       repo.Owner,
					Repo:        repo.Name,
					Branch:      branch,
					AuthorID:    authorID,
					AuthorLogin: login,
				})
			}

			outcomes := app.scheduler.RunAll(ctx, scopes)
			return outcomesErr(outcomes)
		},
	}
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	dbpool    *pgxpool.Pool
	store     *database.Store
	cache     *cache.ResponseCache
	ghClient  *github.Client
	ingestor  *ingest.Ingestor
	scheduler *ingest.Scheduler
}

func setup(ctx context.Context) (*app, error) {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := runMigrations(cfg.DBURL); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database ready")

	// 4. Optional Redis-backed response cache
	var respCache *cache.ResponseCache
	if cfg.RedisAddr != "" {
		respCache, err = cache.New(ctx, cfg.RedisAddr, cfg.CacheTTL, logger)
		if err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Response cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL.String())
	}

	// 5. Wire the ingestion pipeline
	store := database.New(dbpool, logger)
	limits := github.NewRateLimitState()
	ghClient := github.NewClient(github.Config{
		Token:          cfg.GithubToken,
		Endpoint:       cfg.GithubGraphQLAPI,
		PageSize:       cfg.PageSize,
		RetryLimit:     cfg.RetryLimit,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		RequestsPerSec: cfg.RequestsPerSec,
	}, limits, logger)
	ingestor := ingest.NewIngestor(ghClient, store, logger)
	scheduler := ingest.NewScheduler(ingestor, cfg.MaxConcurrency, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		dbpool:    dbpool,
		store:     store,
		cache:     respCache,
		ghClient:  ghClient,
		ingestor:  ingestor,
		scheduler: scheduler,
	}, nil
}

func (a *app) close() {
	_ = a.cache.Close()
	a.dbpool.Close()
}

// configuredScopes expands REPOS_TO_SYNC into full-history scopes. Entries
// without an explicit branch use the repository's actual default branch when
// it can be discovered, falling back to the configured default.
func (a *app) configuredScopes(ctx context.Context) ([]model.Scope, error) {
	scopes, err := ingest.ParseScopes(a.cfg.ReposToSync, "")
	if err != nil {
		return nil, err
	}
	for i, scope := range scopes {
		if scope.Branch != "" {
			continue
		}
		branch := a.cfg.DefaultBranch
		if repo, err := a.ghClient.GetRepository(ctx, scope.Owner, scope.Repo); err == nil && repo.DefaultBranch != "" {
			branch = repo.DefaultBranch
		} else if err != nil {
			a.logger.Warn("Could not discover default branch, using configured default",
				"scope", scope.Owner+"/"+scope.Repo, "error", err)
		}
		scopes[i].Branch = branch
	}
	return scopes, nil
}

func outcomesErr(outcomes []model.Outcome) error {
	var failed int
	for _, o := range outcomes {
		if o.Status == model.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d scope(s) failed permanently", failed)
	}
	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
