package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/reliefdesk/internal/authmw"
)

// LLM providers.
const (
	ProviderNone   = "none"
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	ReviewThreshold      float64
	LLMThreshold         float64
	AutoApproveThreshold float64

	LLMProvider       string
	LLMModel          string
	LLMMaxRetries     int
	LLMTimeoutSeconds int
	ClaudeAPIKey      string
	OpenAIAPIKey      string
	OpenAIBaseURL     string

	Store       string
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	TaxonomyFile    string
	ReviewerTokens  string
	SlackWebhookURL string
	RefreshSchedule string
	CacheSize       int
	Concurrency     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.Float64Var(&c.ReviewThreshold, "review-threshold", 0.5, "confidence below which a result needs human review (0..1)")
	fs.Float64Var(&c.LLMThreshold, "llm-threshold", 0.6, "keyword confidence below which the LLM is consulted (0..1)")
	fs.Float64Var(&c.AutoApproveThreshold, "auto-approve-threshold", 0.85, "confidence at which a result is auto-approved (0..1)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderNone, "LLM provider for low-confidence reports (none|claude|openai)")
	fs.StringVar(&c.LLMModel, "llm-model", "", "LLM model name (empty = provider default)")
	fs.IntVar(&c.LLMMaxRetries, "llm-max-retries", 2, "LLM retries after the first attempt (0..10)")
	fs.IntVar(&c.LLMTimeoutSeconds, "llm-timeout-seconds", 30, "per-attempt LLM timeout in seconds (1..300)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI-compatible LLM provider")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL for an OpenAI-compatible endpoint (empty = api.openai.com)")

	fs.StringVar(&c.Store, "store", StoreMemory, "review and fulfillment store (memory|postgres|redis|sqlite)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for -store postgres")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for -store redis")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "reliefdesk.db", "database file for -store sqlite")

	fs.StringVar(&c.TaxonomyFile, "taxonomy-file", "", "YAML taxonomy overriding the embedded one")
	fs.StringVar(&c.ReviewerTokens, "reviewer-tokens", "", "comma-separated name:token pairs guarding review and fulfillment writes (empty = open)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for review queue notifications")
	fs.StringVar(&c.RefreshSchedule, "refresh-schedule", "@every 5m", "cron schedule for review queue refresh (empty = disabled)")
	fs.IntVar(&c.CacheSize, "cache-size", 4096, "extraction results cached across ingests (0 = disabled)")
	fs.IntVar(&c.Concurrency, "concurrency", 8, "parallel extractions per ingest (1..256)")
}

// LLMTimeout returns the per-attempt LLM timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

func validThreshold(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("invalid %s %v (must be 0..1)", name, v)
	}
	return nil
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Thresholds
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"REVIEW_THRESHOLD", c.ReviewThreshold},
		{"LLM_THRESHOLD", c.LLMThreshold},
		{"AUTO_APPROVE_THRESHOLD", c.AutoApproveThreshold},
	} {
		if err := validThreshold(th.name, th.v); err != nil {
			errs = append(errs, err)
		}
	}
	if c.AutoApproveThreshold < c.ReviewThreshold {
		errs = append(errs, fmt.Errorf("AUTO_APPROVE_THRESHOLD %v must not be below REVIEW_THRESHOLD %v", c.AutoApproveThreshold, c.ReviewThreshold))
	}

	// LLM provider and its credentials
	switch c.LLMProvider {
	case ProviderNone:
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for LLM_PROVIDER claude"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for LLM_PROVIDER openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be none|claude|openai)", c.LLMProvider))
	}
	if c.LLMMaxRetries < 0 || c.LLMMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_RETRIES %d (must be 0..10)", c.LLMMaxRetries))
	}
	if c.LLMTimeoutSeconds <= 0 || c.LLMTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..300)", c.LLMTimeoutSeconds))
	}

	// Store backend and its DSN
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE postgres"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for STORE redis"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for STORE sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory|postgres|redis|sqlite)", c.Store))
	}

	if strings.TrimSpace(c.ReviewerTokens) != "" {
		if _, err := authmw.ParseTokens(c.ReviewerTokens); err != nil {
			errs = append(errs, fmt.Errorf("invalid REVIEWER_TOKENS: %w", err))
		}
	}

	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid REFRESH_SCHEDULE %q: %w", c.RefreshSchedule, err))
		}
	}

	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("invalid CACHE_SIZE %d (must be >= 0)", c.CacheSize))
	}
	if c.Concurrency <= 0 || c.Concurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid CONCURRENCY %d (must be 1..256)", c.Concurrency))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
