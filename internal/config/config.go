// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	DBURL            string        `mapstructure:"DB_URL"`
	GithubToken      string        `mapstructure:"GITHUB_TOKEN"`
	GithubGraphQLAPI string        `mapstructure:"GITHUB_GRAPHQL_API"`
	ReposToSync      []string      `mapstructure:"REPOS_TO_SYNC"`
	DefaultBranch    string        `mapstructure:"DEFAULT_BRANCH"`
	PageSize         int           `mapstructure:"PAGE_SIZE"`
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"`
	RetryLimit       int           `mapstructure:"RETRY_LIMIT"`
	BackoffBase      time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffCap       time.Duration `mapstructure:"BACKOFF_CAP"`
	RequestsPerSec   float64       `mapstructure:"REQUESTS_PER_SECOND"`
	SyncInterval     time.Duration `mapstructure:"SYNC_INTERVAL"`
	HTTPAddr         string        `mapstructure:"HTTP_ADDR"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR"`
	CacheTTL         time.Duration `mapstructure:"CACHE_TTL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("GITHUB_GRAPHQL_API", "https://api.github.com/graphql")
	viper.SetDefault("DEFAULT_BRANCH", "main")
	viper.SetDefault("PAGE_SIZE", 50)
	viper.SetDefault("MAX_CONCURRENCY", 5)
	viper.SetDefault("RETRY_LIMIT", 4)
	viper.SetDefault("BACKOFF_BASE", "500ms")
	viper.SetDefault("BACKOFF_CAP", "30s")
	viper.SetDefault("REQUESTS_PER_SECOND", 2.0)
	viper.SetDefault("SYNC_INTERVAL", "1h")
	viper.SetDefault("HTTP_ADDR", ":8000")
	viper.SetDefault("CACHE_TTL", "60s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if len(cfg.ReposToSync) == 0 {
		return nil, errors.New("REPOS_TO_SYNC must contain at least one repository")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		return nil, errors.New("PAGE_SIZE must be between 1 and 100")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, errors.New("MAX_CONCURRENCY must be a positive integer")
	}
	if cfg.RetryLimit <= 0 {
		return nil, errors.New("RETRY_LIMIT must be a positive integer")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		return nil, errors.New("BACKOFF_BASE must be positive and BACKOFF_CAP must not be smaller than it")
	}

	return &cfg, nil
}
