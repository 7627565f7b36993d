// Package provider holds the classification service backends.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/supportersimulator/categorizer/internal/classifier"
)

// Config selects and configures a backend.
type Config struct {
	Backend   string        `yaml:"backend"` // anthropic, openai, grpc
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	Endpoint  string        `yaml:"endpoint"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// New creates the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (classifier.Backend, error) {
	switch cfg.Backend {
	case "", "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "grpc":
		return NewGRPCProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}
}
