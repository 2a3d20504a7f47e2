// Package llm provides minimal text-completion callers for the LLM providers
// cortex can use to generate responses, regenerate ablated responses for exact
// attribution, and classify memory pairs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"

	defaultTimeout = 30 * time.Second
)

// ErrNotConfigured is returned by New when the provider is "none" or empty.
var ErrNotConfigured = errors.New("llm not configured")

// Request is a single-turn completion request.
type Request struct {
	System string
	Prompt string

	// JSON asks the provider for a JSON object response.
	JSON bool

	// MaxTokens defaults to 1024.
	MaxTokens int
}

// CallFunc sends a request and returns the completion text.
type CallFunc func(ctx context.Context, req Request) (string, error)

// CallerConfig holds configuration for creating a caller.
type CallerConfig struct {
	Provider string // "openai", "anthropic", "ollama" or "none"
	Model    string // e.g. "gpt-4o-mini", "claude-haiku-4-5-20251001"
	APIKey   string // explicit API key, wins over the environment
	BaseURL  string // override base URL

	// Timeout bounds each call. Defaults to 30s.
	Timeout time.Duration
}

// New returns the CallFunc for cfg.Provider. Hosted providers take their API
// key from cfg.APIKey or else the provider's environment variable.
func New(cfg CallerConfig) (CallFunc, error) {
	provider := strings.ToLower(cfg.Provider)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	switch provider {
	case "", ProviderNone:
		return nil, ErrNotConfigured

	case ProviderOpenAI:
		key, err := resolveAPIKey(cfg, provider)
		if err != nil {
			return nil, err
		}
		return openAICaller(key, orDefault(cfg.Model, "gpt-4o-mini"), orDefault(cfg.BaseURL, "https://api.openai.com"), timeout), nil

	case ProviderAnthropic:
		key, err := resolveAPIKey(cfg, provider)
		if err != nil {
			return nil, err
		}
		return anthropicCaller(key, orDefault(cfg.Model, "claude-haiku-4-5-20251001"), orDefault(cfg.BaseURL, "https://api.anthropic.com"), timeout), nil

	case ProviderOllama:
		return ollamaCaller(orDefault(cfg.Model, "llama3.2"), orDefault(cfg.BaseURL, "http://localhost:11434"), timeout), nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// providerEnvVars maps hosted providers to their API key variables.
var providerEnvVars = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
}

func resolveAPIKey(cfg CallerConfig, provider string) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	env := providerEnvVars[provider]
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no API key for %s: set llm.api_key or %s", provider, env)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ExtractJSON returns the outermost {...} span of s. Models asked for JSON
// sometimes wrap it in prose or code fences.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
