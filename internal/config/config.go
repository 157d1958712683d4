package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Quota    QuotaConfig    `mapstructure:"quota"    validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Task     TaskConfig     `mapstructure:"task"     validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port      int    `mapstructure:"port"       validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level"  validate:"required,oneof=debug info warn error fatal"`
	LogFormat string `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	// PublicURL is the externally reachable base URL used to build webhook
	// callback URLs for the remote backend.
	PublicURL       string        `mapstructure:"public_url"       validate:"omitempty,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey   string        `mapstructure:"gemini_api_key"`
	ModelName      string        `mapstructure:"model_name"      validate:"required"`
	MaxRetries     int           `mapstructure:"max_retries"     validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"  validate:"gtefield=RetryBaseDelay"`
}

// QuotaConfig bounds how much work a single owner may submit.
type QuotaConfig struct {
	MaxRowsPerBatch      int           `mapstructure:"max_rows_per_batch"     validate:"gt=0"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches" validate:"gt=0"`
	MaxDailyBatches      int           `mapstructure:"max_daily_batches"      validate:"gt=0"`
	StalenessWindow      time.Duration `mapstructure:"staleness_window"       validate:"gt=0"`
}

// DispatchConfig controls how batches are processed.
type DispatchConfig struct {
	Mode           string        `mapstructure:"mode"             validate:"required,oneof=inline external"`
	Concurrency    int           `mapstructure:"concurrency"      validate:"gt=0"`
	ChunkSize      int           `mapstructure:"chunk_size"       validate:"gt=0"`
	BatchDeadline  time.Duration `mapstructure:"batch_deadline"   validate:"gt=0"`
	AvgRowDuration time.Duration `mapstructure:"avg_row_duration" validate:"gt=0"`
}

// WebhookConfig configures completion webhook authentication.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	// Strict rejects callbacks whose secret header does not match. When false
	// mismatches are logged and accepted.
	Strict bool `mapstructure:"strict"`
}

// BackendConfig configures the remote generation backend used in external
// dispatch mode.
type BackendConfig struct {
	URL     string        `mapstructure:"url"     validate:"omitempty,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// TaskConfig configures the background task runner.
type TaskConfig struct {
	WorkerCount            int           `mapstructure:"worker_count"              validate:"gt=0"`
	QueueSize              int           `mapstructure:"queue_size"                validate:"gt=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age"            validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
}
