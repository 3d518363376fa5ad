package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/environment"
	"github.com/DennisMainhardt/bestii-sub000/common/retry"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/completion"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/conversation"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/credits"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/memory"
)

// Store backends.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Config holds application configuration.
type Config struct {
	// StoreBackend selects the message store: "sqlite" (default) or
	// "firestore".
	StoreBackend string
	// DatabasePath is the SQLite file. Defaults to "./bestii.db".
	DatabasePath string
	// FirestoreProject is the Google Cloud project of the Firestore backend.
	FirestoreProject string

	// RedisAddr enables cross-process change notifications for the SQLite
	// backend when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// OpenAIURL and AnthropicURL point at the provider proxies. Empty uses
	// the public endpoints.
	OpenAIURL       string
	OpenAIAPIKey    string
	AnthropicURL    string
	AnthropicAPIKey string
	// CompletionTimeout bounds a single provider HTTP attempt.
	CompletionTimeout time.Duration
	// Retry controls retries of rate-limited and failed completions. Zero
	// uses retry.DefaultConfig.
	Retry retry.Config

	// PersonasFile is an optional YAML persona catalogue.
	PersonasFile string

	// SummaryBackend and SummaryModel select the model used for
	// summarisation. Defaults: "openai", "gpt-4o-mini".
	SummaryBackend   string
	SummaryModel     string
	SummaryThreshold int

	// DailyCredits and MonthlyCredits are the per-user allowances.
	// A negative DailyCredits disables credit checks.
	DailyCredits   int
	MonthlyCredits int

	PageSize int

	// HTTPAddr is the TCP address of the health/status/metrics server
	// (e.g. ":9090"). When empty the server is disabled.
	HTTPAddr string

	LogLevel  string
	LogFormat string
}

// ConfigFromEnv reads the BESTII_* environment variables.
func ConfigFromEnv() (Config, error) {
	backend, err := environment.OneOf(environment.Key("store_backend"), BackendSQLite, BackendSQLite, BackendFirestore)
	if err != nil {
		return Config{}, err
	}
	summaryBackend, err := environment.OneOf(environment.Key("summary_backend"), completion.BackendOpenAI,
		completion.BackendOpenAI, completion.BackendAnthropic)
	if err != nil {
		return Config{}, err
	}

	return Config{
		StoreBackend:     backend,
		DatabasePath:     environment.StringOr(environment.Key("database_path"), "./bestii.db"),
		FirestoreProject: environment.StringOr(environment.Key("firestore_project"), environment.StringOr("GOOGLE_CLOUD_PROJECT", "")),

		RedisAddr:     environment.StringOr(environment.Key("redis_addr"), ""),
		RedisPassword: environment.StringOr(environment.Key("redis_password"), ""),
		RedisChannel:  environment.StringOr(environment.Key("redis_channel"), ""),

		OpenAIURL:         environment.StringOr(environment.Key("openai_url"), ""),
		OpenAIAPIKey:      environment.StringOr(environment.Key("openai_api_key"), environment.StringOr("OPENAI_API_KEY", "")),
		AnthropicURL:      environment.StringOr(environment.Key("anthropic_url"), ""),
		AnthropicAPIKey:   environment.StringOr(environment.Key("anthropic_api_key"), environment.StringOr("ANTHROPIC_API_KEY", "")),
		CompletionTimeout: environment.DurationOr(environment.Key("completion_timeout"), 60*time.Second),

		PersonasFile: environment.StringOr(environment.Key("personas_file"), ""),

		SummaryBackend:   summaryBackend,
		SummaryModel:     environment.StringOr(environment.Key("summary_model"), ""),
		SummaryThreshold: environment.IntOr(environment.Key("summary_threshold"), memory.DefaultThreshold),

		DailyCredits:   environment.IntOr(environment.Key("daily_credits"), credits.DefaultDaily),
		MonthlyCredits: environment.IntOr(environment.Key("monthly_credits"), credits.DefaultMonthly),

		PageSize: environment.IntOr(environment.Key("page_size"), conversation.DefaultPageSize),
		HTTPAddr: environment.StringOr(environment.Key("http_addr"), ""),

		LogLevel:  environment.StringOr(environment.Key("log_level"), "info"),
		LogFormat: environment.StringOr(environment.Key("log_format"), "text"),
	}, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case "", BackendSQLite:
		c.StoreBackend = BackendSQLite
		if c.DatabasePath == "" {
			c.DatabasePath = "./bestii.db"
		}
	case BackendFirestore:
		c.StoreBackend = BackendFirestore
		if c.FirestoreProject == "" {
			return fmt.Errorf("app: firestore backend requires a project id")
		}
	default:
		return fmt.Errorf("app: unknown store backend %q", c.StoreBackend)
	}
	if c.SummaryBackend == "" {
		c.SummaryBackend = completion.BackendOpenAI
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = memory.DefaultThreshold
	}
	if c.DailyCredits == 0 {
		c.DailyCredits = credits.DefaultDaily
	}
	if c.MonthlyCredits <= 0 {
		c.MonthlyCredits = credits.DefaultMonthly
	}
	if c.PageSize <= 0 {
		c.PageSize = conversation.DefaultPageSize
	}
	return nil
}
