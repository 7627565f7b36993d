package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/supportersimulator/categorizer/internal/core/schema"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "default"
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 25
	}
	if c.Pipeline.RetryLimit == 0 {
		c.Pipeline.RetryLimit = c.Pipeline.BatchSize
	}
	if c.Pipeline.RunTimeout == 0 {
		c.Pipeline.RunTimeout = 5 * time.Minute
	}
	if c.Pipeline.Schedule == "" {
		c.Pipeline.Schedule = "@every 1m"
	}
	if c.Pipeline.Backoff.InitialDelay == 0 {
		c.Pipeline.Backoff.InitialDelay = 10 * time.Minute
	}
	if c.Pipeline.Backoff.MaxDelay == 0 {
		c.Pipeline.Backoff.MaxDelay = 6 * time.Hour
	}
	if c.Pipeline.Backoff.MaxRetries == 0 {
		c.Pipeline.Backoff.MaxRetries = 5
	}
	if c.Rows.Backend == "" {
		c.Rows.Backend = "csv"
	}
	if c.Rows.Table == "" {
		c.Rows.Table = c.Pipeline.Name
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 2 * time.Minute
	}
	if c.State.Backend == "" {
		switch {
		case c.Database.URL != "":
			c.State.Backend = "postgres"
		case c.State.Path != "":
			c.State.Backend = "sqlite"
		default:
			c.State.Backend = "memory"
		}
	}
	if c.Lock.Backend == "" {
		switch {
		case c.Redis.URL != "":
			c.Lock.Backend = "redis"
		case c.Lock.Dir != "":
			c.Lock.Backend = "file"
		default:
			c.Lock.Backend = "memory"
		}
	}
	if c.Lock.TTL == 0 {
		// Outlives a run so a live holder never loses the lock.
		c.Lock.TTL = c.Pipeline.RunTimeout + time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks settings that have no usable default.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Pipeline.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize))
	}
	if c.Pipeline.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry_limit must not be negative, got %d", c.Pipeline.RetryLimit))
	}
	if !c.Fields.IsZero() {
		if err := schema.Validate(c.Fields); err != nil {
			errs = append(errs, fmt.Errorf("fields: %w", err))
		}
	}
	switch c.Rows.Backend {
	case "csv", "sqlite":
		if c.Rows.Path == "" {
			errs = append(errs, errors.New("rows.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rows.backend %q", c.Rows.Backend))
	}
	switch c.State.Backend {
	case "memory":
	case "sqlite":
		if c.State.Path == "" {
			errs = append(errs, errors.New("state.path is required for sqlite state"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres state"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state.backend %q", c.State.Backend))
	}
	switch c.Lock.Backend {
	case "memory":
	case "file":
		if c.Lock.Dir == "" {
			errs = append(errs, errors.New("lock.dir is required for file locks"))
		}
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for redis locks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}
	if len(c.Rows.Delimiter) > 1 {
		errs = append(errs, fmt.Errorf("rows.delimiter must be a single character, got %q", c.Rows.Delimiter))
	}
	return errors.Join(errs...)
}
