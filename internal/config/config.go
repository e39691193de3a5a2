package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"       validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"     validate:"required"`
	Grading   GradingConfig   `mapstructure:"grading"   validate:"required"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// LLMConfig contains all settings for the external grading model.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key"      validate:"required"`
	ModelName         string `mapstructure:"model_name"          validate:"required"`
	MaxRetries        int    `mapstructure:"max_retries"         validate:"gte=0,lte=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"gte=1"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"     validate:"gte=1"`
}

// QueueConfig contains the task queue scheduling settings.
type QueueConfig struct {
	WorkerCount            int `mapstructure:"worker_count"             validate:"required,gte=1,lte=64"`
	PollIntervalMs         int `mapstructure:"poll_interval_ms"         validate:"gte=10"`
	ErrorBackoffMs         int `mapstructure:"error_backoff_ms"         validate:"gte=10"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"gte=1"`
	// StuckTaskAgeSeconds should exceed the longest task timeout so the
	// recovery monitor never resurrects a task that is still running.
	StuckTaskAgeSeconds int `mapstructure:"stuck_task_age_seconds" validate:"gte=1"`
}

// GradingConfig contains tunables for the grading pipeline.
//
// BatchThreshold and ReviewConfidenceThreshold are deliberately
// configuration rather than constants: submissions up to the threshold are
// enqueued individually, larger batches as one aggregate task, and results
// whose confidence falls below the review threshold are flagged for manual
// review.
type GradingConfig struct {
	BatchThreshold            int     `mapstructure:"batch_threshold"             validate:"required,gte=1"`
	ReviewConfidenceThreshold float64 `mapstructure:"review_confidence_threshold" validate:"gte=0,lte=1"`
	DefaultMaxScore           int     `mapstructure:"default_max_score"           validate:"required,gte=1"`
	DefaultStrictness         string  `mapstructure:"default_strictness"          validate:"required,oneof=lenient standard strict"`
	DefaultLanguage           string  `mapstructure:"default_language"            validate:"required"`
}

// ExtractorConfig configures the document text extraction collaborator.
// When ServiceURL is empty, the local plain-text extractor is used.
type ExtractorConfig struct {
	ServiceURL      string `mapstructure:"service_url"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"   validate:"gte=1"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes" validate:"gte=1"`
}
