package config

import (
	"time"

	"github.com/supportersimulator/categorizer/internal/classifier"
	"github.com/supportersimulator/categorizer/internal/classifier/provider"
	"github.com/supportersimulator/categorizer/internal/core/domain"
	redisclient "github.com/supportersimulator/categorizer/internal/infra/redis"
	"github.com/supportersimulator/categorizer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig          `yaml:"server"`
	Pipeline   PipelineConfig        `yaml:"pipeline"`
	Rows       RowsConfig            `yaml:"rows"`
	Fields     domain.FieldSelection `yaml:"fields"`
	Classifier ClassifierConfig      `yaml:"classifier"`
	State      StateConfig           `yaml:"state"`
	Database   postgres.Config       `yaml:"database"`
	Redis      redisclient.Config    `yaml:"redis"`
	Lock       LockConfig            `yaml:"lock"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PipelineConfig holds batch and scheduling settings.
type PipelineConfig struct {
	Name      string `yaml:"name"`
	BatchSize int    `yaml:"batch_size"`
	// RunTimeout bounds one invocation (one batch or one retry pass).
	RunTimeout time.Duration `yaml:"run_timeout"`
	// VerifyHeader compares the cached header with the live one on every run.
	VerifyHeader *bool `yaml:"verify_header"`

	Schedule      string `yaml:"schedule"`       // cron spec for serve, e.g. "@every 1m"
	RetrySchedule string `yaml:"retry_schedule"` // empty disables scheduled retries
	RetryLimit    int    `yaml:"retry_limit"`    // cases per scheduled retry, defaults to batch_size

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls when failed cases become due for a scheduled retry.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"` // negative = unlimited
}

// RowsConfig selects the row store.
type RowsConfig struct {
	Backend   string `yaml:"backend"` // csv, sqlite
	Path      string `yaml:"path"`
	Table     string `yaml:"table"`     // sqlite only
	Delimiter string `yaml:"delimiter"` // csv only
}

// ClassifierConfig configures the classification service and result checks.
type ClassifierConfig struct {
	provider.Config `yaml:",inline"`

	Required     []string                `yaml:"required"`
	Vocabularies []classifier.Vocabulary `yaml:"vocabularies"`
	PromptFile   string                  `yaml:"prompt_file"`

	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// StateConfig selects where cursor, header cache and results are kept.
type StateConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite, postgres
	Path    string `yaml:"path"`    // sqlite only
}

// LockConfig selects the run lock.
type LockConfig struct {
	Backend string        `yaml:"backend"` // memory, file, redis
	Dir     string        `yaml:"dir"`     // file only
	TTL     time.Duration `yaml:"ttl"`
}

// Verify reports whether the header should be checked on every run.
func (p PipelineConfig) Verify() bool {
	return p.VerifyHeader == nil || *p.VerifyHeader
}

// RetryConfig returns the inline retry settings of the classifier client.
func (c ClassifierConfig) RetryConfig() classifier.RetryConfig {
	return classifier.RetryConfig{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
	}
}
