package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables: GRADEFLOW_SERVER_PORT, GRADEFLOW_DATABASE_URL, ...
	v.SetEnvPrefix("GRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values so a minimal environment
// (database URL and Gemini API key) is enough to start the server.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registered empty so AutomaticEnv finds them during Unmarshal;
	// validation still rejects a missing value.
	v.SetDefault("database.url", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("extractor.service_url", "")

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)
	v.SetDefault("llm.timeout_seconds", 120)

	v.SetDefault("queue.worker_count", 3)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.error_backoff_ms", 5000)
	v.SetDefault("queue.shutdown_timeout_seconds", 30)
	v.SetDefault("queue.stuck_task_age_seconds", 600)

	v.SetDefault("grading.batch_threshold", 5)
	v.SetDefault("grading.review_confidence_threshold", 0.7)
	v.SetDefault("grading.default_max_score", 100)
	v.SetDefault("grading.default_strictness", "standard")
	v.SetDefault("grading.default_language", "en")

	v.SetDefault("extractor.timeout_seconds", 60)
	v.SetDefault("extractor.cache_ttl_minutes", 60)
}
