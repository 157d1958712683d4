package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "ENRICH"

// envKeys lists the keys without defaults that must still be readable from
// the environment.
var envKeys = []string{
	"database.url",
	"auth.jwt_secret",
	"llm.gemini_api_key",
	"webhook.secret",
	"webhook.strict",
	"server.public_url",
	"backend.url",
	"backend.api_key",
}

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from config files. A local .env file, when present, is loaded into the
// environment first.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file instead of
// searching for config.yaml. An empty path falls back to the search.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	switch c.Dispatch.Mode {
	case "inline":
		if c.LLM.GeminiAPIKey == "" {
			return errors.New("config validation failed: llm.gemini_api_key is required for inline dispatch")
		}
	case "external":
		if c.Backend.URL == "" {
			return errors.New("config validation failed: backend.url is required for external dispatch")
		}
		if c.Server.PublicURL == "" {
			return errors.New("config validation failed: server.public_url is required for external dispatch")
		}
	}
	if c.Webhook.Strict && c.Webhook.Secret == "" {
		return errors.New("config validation failed: webhook.secret is required when webhook.strict is set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", "500ms")
	v.SetDefault("llm.retry_max_delay", "10s")

	v.SetDefault("quota.max_rows_per_batch", 1000)
	v.SetDefault("quota.max_concurrent_batches", 3)
	v.SetDefault("quota.max_daily_batches", 50)
	v.SetDefault("quota.staleness_window", "1h")

	v.SetDefault("dispatch.mode", "inline")
	v.SetDefault("dispatch.concurrency", 5)
	v.SetDefault("dispatch.chunk_size", 100)
	v.SetDefault("dispatch.batch_deadline", "10m")
	v.SetDefault("dispatch.avg_row_duration", "3s")

	v.SetDefault("backend.timeout", "30s")

	v.SetDefault("task.worker_count", 2)
	v.SetDefault("task.queue_size", 100)
	v.SetDefault("task.stuck_task_age", "30m")
	v.SetDefault("task.stuck_task_check_interval", "5m")
}
