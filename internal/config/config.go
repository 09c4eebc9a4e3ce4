// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the build service.
type Config struct {
	Port        string
	Environment string

	// APISecret authenticates inbound build requests.
	APISecret string

	// Repository host (GitHub) settings.
	GitHubToken   string
	GitHubOwner   string
	GitHubAPIBase string

	// Code-generation agent endpoint.
	AgentURL   string
	AgentToken string

	// Storage. DatabaseURL selects postgres; empty falls back to a local
	// sqlite file at DBPath. RedisURL enables the redis lock backend.
	DatabaseURL string
	DBPath      string
	RedisURL    string

	// Admission control.
	Workers    int
	QueueDepth int

	// Attachment ceilings.
	MaxAttachmentBytes int64
	MaxAttachmentTotal int64

	// Per-step and overall deadlines.
	RunDeadline    time.Duration
	AgentTimeout   time.Duration
	PublishTimeout time.Duration
	VerifyWindow   time.Duration
	CallbackBudget time.Duration
	LockLease      time.Duration
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		APISecret: getEnv("API_SECRET", ""),

		GitHubToken:   getEnv("GITHUB_TOKEN", ""),
		GitHubOwner:   getEnv("GITHUB_OWNER", ""),
		GitHubAPIBase: getEnv("GITHUB_API_BASE", "https://api.github.com"),

		AgentURL:   getEnv("AGENT_URL", ""),
		AgentToken: getEnv("AGENT_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBPath:      getEnv("DB_PATH", "pagesmith.db"),
		RedisURL:    getEnv("REDIS_URL", ""),

		Workers:    getEnvInt("BUILD_WORKERS", 4),
		QueueDepth: getEnvInt("BUILD_QUEUE_DEPTH", 16),

		MaxAttachmentBytes: int64(getEnvInt("MAX_ATTACHMENT_BYTES", 5<<20)),
		MaxAttachmentTotal: int64(getEnvInt("MAX_ATTACHMENT_TOTAL", 20<<20)),

		RunDeadline:    getEnvDuration("RUN_DEADLINE", 25*time.Minute),
		AgentTimeout:   getEnvDuration("AGENT_TIMEOUT", 5*time.Minute),
		PublishTimeout: getEnvDuration("PUBLISH_TIMEOUT", 2*time.Minute),
		VerifyWindow:   getEnvDuration("VERIFY_WINDOW", 10*time.Minute),
		CallbackBudget: getEnvDuration("CALLBACK_BUDGET", 5*time.Minute),
		LockLease:      getEnvDuration("LOCK_LEASE", 30*time.Minute),
	}
}

// Validate checks that settings required for real operation are present.
// In production missing secrets are an error; development warns and runs
// degraded so local smoke tests work without credentials.
func (c *Config) Validate() error {
	if c.Environment != "production" {
		return nil
	}
	if c.APISecret == "" {
		return fmt.Errorf("API_SECRET is required in production")
	}
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required in production")
	}
	if c.GitHubOwner == "" {
		return fmt.Errorf("GITHUB_OWNER is required in production")
	}
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL is required in production")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
