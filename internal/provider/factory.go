// Package provider implements the generative backends and their factory.
package provider

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/joss/scribe/pkg/llm"
)

// ProviderType identifies supported backends.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderScripted  ProviderType = "scripted"
)

// Config holds provider configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient HTTPClient
}

// ConfigOption modifies provider configuration.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets the base URL.
func WithBaseURL(url string) ConfigOption {
	return func(c *Config) { c.BaseURL = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client HTTPClient) ConfigOption {
	return func(c *Config) { c.HTTPClient = client }
}

// ProviderBuilder constructs a provider from config.
type ProviderBuilder func(cfg Config) llm.Provider

// Factory creates backends by type.
type Factory struct {
	mu       sync.RWMutex
	builders map[ProviderType]ProviderBuilder
}

// NewFactory creates a factory with default builders.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[ProviderType]ProviderBuilder)}
	f.RegisterDefaults()
	return f
}

// RegisterDefaults registers the built-in provider builders.
func (f *Factory) RegisterDefaults() {
	f.Register(ProviderAnthropic, func(cfg Config) llm.Provider {
		return NewAnthropicWithClient(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient)
	})
	f.Register(ProviderOpenAI, func(cfg Config) llm.Provider {
		return NewOpenAI(cfg.APIKey, cfg.BaseURL)
	})
	f.Register(ProviderScripted, func(cfg Config) llm.Provider {
		return DryRun()
	})
}

// Register adds a provider builder. Allows extension with custom providers.
func (f *Factory) Register(pt ProviderType, builder ProviderBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[pt] = builder
}

// Types lists the registered provider types.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.builders))
	for pt := range f.builders {
		out = append(out, string(pt))
	}
	sort.Strings(out)
	return out
}

// Create returns a new provider instance.
func (f *Factory) Create(pt ProviderType, opts ...ConfigOption) (llm.Provider, error) {
	cfg := Config{HTTPClient: &http.Client{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Apply environment defaults
	if cfg.APIKey == "" {
		cfg.APIKey = envKey(pt)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = envBaseURL(pt)
	}

	f.mu.RLock()
	builder, ok := f.builders[pt]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", pt)
	}
	if cfg.APIKey == "" && pt != ProviderScripted {
		return nil, fmt.Errorf("%s: API key is not set", pt)
	}
	return builder(cfg), nil
}

// CreateByID creates a provider from string ID.
func (f *Factory) CreateByID(id string, opts ...ConfigOption) (llm.Provider, error) {
	switch id {
	case "anthropic", "claude":
		return f.Create(ProviderAnthropic, opts...)
	case "openai", "gpt":
		return f.Create(ProviderOpenAI, opts...)
	case "scripted", "dry-run":
		return f.Create(ProviderScripted, opts...)
	default:
		return f.Create(ProviderType(id), opts...)
	}
}

// Default is the global factory instance.
var Default = NewFactory()

// envKey returns environment variable for API key.
func envKey(pt ProviderType) string {
	switch pt {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// envBaseURL returns environment variable for base URL.
func envBaseURL(pt ProviderType) string {
	switch pt {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_BASE_URL")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_BASE_URL")
	}
	return ""
}
