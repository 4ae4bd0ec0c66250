// Package config loads and validates the immutable configuration bundle for
// the sync pipeline: source warehouse, sink database, ETL tuning knobs,
// backfill parallelism envelope, and the AI enrichment client (C1).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// SourceConfig describes the warehouse connection the source reader opens.
type SourceConfig struct {
	Account     string
	User        string
	Warehouse   string
	Database    string
	Schema      string
	Authenticator domain.AuthMode
	Password    string
	Token       string
}

// SinkConfig describes the operational relational store connection pool.
type SinkConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

// ETLConfig tunes the incremental sync orchestrator.
type ETLConfig struct {
	BatchSize         int
	MaxRetries        int
	RetryDelaySeconds int
	WatermarkTable    string
}

// BackfillConfig bounds historical backfill parallelism.
type BackfillConfig struct {
	EnableParallel      bool
	MaxWorkers          int
	ConnectionPoolSize  int
	MaxMemoryMB         int
}

// AIConfig configures the AI enrichment client.
type AIConfig struct {
	Endpoint        string
	Deployment      string
	ModelVersion    string
	EmbeddingModel  string
	EmbeddingEndpoint string
	EmbeddingDim    int
	RateLimitRPS    float64
	TimeoutMS       int
	CostAlertUSD    float64
	BudgetPolicy    domain.BudgetPolicy
	EnablePrometheus bool
	APIKey          string

	// Pricing mirrors the original CostTracker's per-1K-token rates.
	PromptPricePer1K     float64
	CompletionPricePer1K float64
	EmbeddingPricePer1K  float64
}

// ProgressConfig tunes the progress reporter (C10): which alert sink
// delivers cost/error-rate/SLO/circuit-open alerts, and the thresholds that
// trigger them.
type ProgressConfig struct {
	AlertSink        domain.AlertSinkType
	AlertWebhookURL  string
	AlertFilePath    string
	AlertSQSQueueURL string

	SLOSeconds         int
	ErrorRateThreshold float64
}

// Config is the fully-validated, immutable bundle assembled once at process
// startup and threaded down to every component by reference.
type Config struct {
	Source   SourceConfig
	Sink     SinkConfig
	ETL      ETLConfig
	Backfill BackfillConfig
	AI       AIConfig
	Progress ProgressConfig
}

// Load assembles a Config from the process environment and validates it.
// Validation fails fast with a *domain.ConfigError describing exactly which
// field was missing or inconsistent.
func Load() (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Account:       os.Getenv("SOURCE_ACCOUNT"),
			User:          os.Getenv("SOURCE_USER"),
			Warehouse:     os.Getenv("SOURCE_WAREHOUSE"),
			Database:      os.Getenv("SOURCE_DATABASE"),
			Schema:        os.Getenv("SOURCE_SCHEMA"),
			Authenticator: domain.AuthMode(envOr("SOURCE_AUTHENTICATOR", string(domain.AuthPassword))),
			Password:      os.Getenv("SOURCE_PASSWORD"),
			Token:         os.Getenv("SOURCE_TOKEN"),
		},
		Sink: SinkConfig{
			Host:     os.Getenv("SINK_HOST"),
			User:     os.Getenv("SINK_USER"),
			Password: os.Getenv("SINK_PASSWORD"),
			Database: os.Getenv("SINK_DATABASE"),
		},
		ETL: ETLConfig{
			WatermarkTable: envOr("ETL_WATERMARK_TABLE", "notification_text"),
		},
		Backfill: BackfillConfig{},
		AI: AIConfig{
			Endpoint:          os.Getenv("AI_ENDPOINT"),
			Deployment:        os.Getenv("AI_DEPLOYMENT"),
			ModelVersion:      envOr("AI_MODEL_VERSION", "claude-sonnet-4-5"),
			EmbeddingModel:    envOr("AI_EMBEDDING_MODEL", "text-embedding-3-large"),
			EmbeddingEndpoint: os.Getenv("AI_EMBEDDING_ENDPOINT"),
			BudgetPolicy:      domain.BudgetPolicy(envOr("AI_BUDGET_POLICY", string(domain.BudgetHardGate))),
			APIKey:            os.Getenv("AI_API_KEY"),
		},
		Progress: ProgressConfig{
			AlertSink:        domain.AlertSinkType(envOr("PROGRESS_ALERT_SINK", string(domain.AlertSinkConsole))),
			AlertWebhookURL:  os.Getenv("PROGRESS_ALERT_WEBHOOK_URL"),
			AlertFilePath:    os.Getenv("PROGRESS_ALERT_FILE_PATH"),
			AlertSQSQueueURL: os.Getenv("PROGRESS_ALERT_SQS_QUEUE_URL"),
		},
	}

	var err error
	if cfg.Sink.Port, err = intEnv("SINK_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.Sink.PoolSize, err = intEnv("SINK_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.ETL.BatchSize, err = intEnv("ETL_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.ETL.MaxRetries, err = intEnv("ETL_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.ETL.RetryDelaySeconds, err = intEnv("ETL_RETRY_DELAY_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.Backfill.MaxWorkers, err = intEnv("BACKFILL_MAX_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Backfill.ConnectionPoolSize, err = intEnv("BACKFILL_CONNECTION_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.Backfill.MaxMemoryMB, err = intEnv("BACKFILL_MAX_MEMORY_MB", 100); err != nil {
		return nil, err
	}
	if cfg.Backfill.EnableParallel, err = boolEnv("BACKFILL_ENABLE_PARALLEL", true); err != nil {
		return nil, err
	}
	if cfg.AI.EmbeddingDim, err = intEnv("AI_EMBEDDING_DIM", 1536); err != nil {
		return nil, err
	}
	if cfg.AI.RateLimitRPS, err = floatEnv("AI_RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.AI.TimeoutMS, err = intEnv("AI_TIMEOUT_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.AI.CostAlertUSD, err = floatEnv("AI_COST_ALERT_USD", 50); err != nil {
		return nil, err
	}
	if cfg.AI.EnablePrometheus, err = boolEnv("AI_ENABLE_PROMETHEUS", true); err != nil {
		return nil, err
	}
	if cfg.AI.PromptPricePer1K, err = floatEnv("AI_PROMPT_PRICE_PER_1K", 0.003); err != nil {
		return nil, err
	}
	if cfg.AI.CompletionPricePer1K, err = floatEnv("AI_COMPLETION_PRICE_PER_1K", 0.015); err != nil {
		return nil, err
	}
	if cfg.AI.EmbeddingPricePer1K, err = floatEnv("AI_EMBEDDING_PRICE_PER_1K", 0.0001); err != nil {
		return nil, err
	}
	if cfg.Progress.SLOSeconds, err = intEnv("PROGRESS_SLO_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.Progress.ErrorRateThreshold, err = floatEnv("PROGRESS_ERROR_RATE_THRESHOLD", 0.10); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Source.Account == "" {
		return &domain.ConfigError{Field: "SOURCE_ACCOUNT", Reason: "is required"}
	}
	if cfg.Source.User == "" {
		return &domain.ConfigError{Field: "SOURCE_USER", Reason: "is required"}
	}
	switch cfg.Source.Authenticator {
	case domain.AuthPassword:
		if cfg.Source.Password == "" {
			return &domain.ConfigError{Field: "SOURCE_PASSWORD", Reason: "is required when SOURCE_AUTHENTICATOR=password"}
		}
	case domain.AuthExternalBrowser:
		// interactive SSO; no stored credential required.
	case domain.AuthOAuth:
		if cfg.Source.Token == "" {
			return &domain.ConfigError{Field: "SOURCE_TOKEN", Reason: "is required when SOURCE_AUTHENTICATOR=oauth"}
		}
	default:
		return &domain.ConfigError{Field: "SOURCE_AUTHENTICATOR", Reason: "must be one of password, externalbrowser, oauth"}
	}

	if cfg.Sink.Host == "" {
		return &domain.ConfigError{Field: "SINK_HOST", Reason: "is required"}
	}
	if cfg.Sink.Port <= 0 || cfg.Sink.Port > 65535 {
		return &domain.ConfigError{Field: "SINK_PORT", Reason: "must be a valid port number"}
	}
	if cfg.Sink.Database == "" {
		return &domain.ConfigError{Field: "SINK_DATABASE", Reason: "is required"}
	}
	if cfg.Sink.PoolSize <= 0 {
		return &domain.ConfigError{Field: "SINK_POOL_SIZE", Reason: "must be positive"}
	}

	if cfg.ETL.BatchSize <= 0 {
		return &domain.ConfigError{Field: "ETL_BATCH_SIZE", Reason: "must be positive"}
	}
	if cfg.ETL.MaxRetries < 0 {
		return &domain.ConfigError{Field: "ETL_MAX_RETRIES", Reason: "must not be negative"}
	}

	if cfg.Backfill.MaxWorkers <= 0 {
		return &domain.ConfigError{Field: "BACKFILL_MAX_WORKERS", Reason: "must be positive"}
	}
	if cfg.Backfill.MaxMemoryMB <= 0 {
		return &domain.ConfigError{Field: "BACKFILL_MAX_MEMORY_MB", Reason: "must be positive"}
	}

	if cfg.AI.Endpoint == "" {
		return &domain.ConfigError{Field: "AI_ENDPOINT", Reason: "is required"}
	}
	if cfg.AI.RateLimitRPS <= 0 {
		return &domain.ConfigError{Field: "AI_RATE_LIMIT_RPS", Reason: "must be positive"}
	}
	if cfg.AI.EmbeddingDim <= 0 {
		return &domain.ConfigError{Field: "AI_EMBEDDING_DIM", Reason: "must be positive"}
	}
	switch cfg.AI.BudgetPolicy {
	case domain.BudgetHardGate, domain.BudgetSoftDegrade:
	default:
		return &domain.ConfigError{Field: "AI_BUDGET_POLICY", Reason: "must be hard_gate or soft_degrade"}
	}

	switch cfg.Progress.AlertSink {
	case domain.AlertSinkConsole:
	case domain.AlertSinkWebhook:
		if cfg.Progress.AlertWebhookURL == "" {
			return &domain.ConfigError{Field: "PROGRESS_ALERT_WEBHOOK_URL", Reason: "is required when PROGRESS_ALERT_SINK=webhook"}
		}
	case domain.AlertSinkFile:
		if cfg.Progress.AlertFilePath == "" {
			return &domain.ConfigError{Field: "PROGRESS_ALERT_FILE_PATH", Reason: "is required when PROGRESS_ALERT_SINK=file"}
		}
	case domain.AlertSinkSQS:
		if cfg.Progress.AlertSQSQueueURL == "" {
			return &domain.ConfigError{Field: "PROGRESS_ALERT_SQS_QUEUE_URL", Reason: "is required when PROGRESS_ALERT_SINK=sqs"}
		}
	default:
		return &domain.ConfigError{Field: "PROGRESS_ALERT_SINK", Reason: "must be one of console, webhook, file, sqs"}
	}
	if cfg.Progress.SLOSeconds <= 0 {
		return &domain.ConfigError{Field: "PROGRESS_SLO_SECONDS", Reason: "must be positive"}
	}
	if cfg.Progress.ErrorRateThreshold <= 0 || cfg.Progress.ErrorRateThreshold > 1 {
		return &domain.ConfigError{Field: "PROGRESS_ERROR_RATE_THRESHOLD", Reason: "must be between 0 and 1"}
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &domain.ConfigError{Field: key, Reason: fmt.Sprintf("must be an integer: %v", err)}
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &domain.ConfigError{Field: key, Reason: fmt.Sprintf("must be a number: %v", err)}
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &domain.ConfigError{Field: key, Reason: fmt.Sprintf("must be a boolean: %v", err)}
	}
	return b, nil
}

// DSN renders the sink connection string for pgxpool.
func (c SinkConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Database, c.PoolSize)
}
