package llm

import (
	"fmt"
	"time"
)

// Config holds provider wiring for the registry.
type Config struct {
	DefaultProvider string
	DefaultModel    string
	OllamaBaseURL   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	HasGPU          bool
	GPUTimeout      time.Duration
	CPUTimeout      time.Duration
}

// Registry resolves providers by name.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
	defaultModel    string
}

// Global singleton for simple wiring
var globalReg *Registry

// Initialize builds the registry. Ollama is always registered; hosted
// providers only when their API keys are set.
func Initialize(cfg Config) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "ollama"
	}
	reg := &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
	}
	reg.providers["ollama"] = NewOllamaProvider(cfg.OllamaBaseURL, cfg.DefaultModel, cfg.HasGPU, cfg.GPUTimeout, cfg.CPUTimeout)
	if cfg.OpenAIAPIKey != "" {
		reg.providers["openai"] = NewOpenAIProvider(cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		reg.providers["anthropic"] = NewAnthropicProvider(cfg.AnthropicAPIKey)
	}
	globalReg = reg
}

func Get() *Registry { return globalReg }

// SetGlobal swaps the registry, for tests.
func SetGlobal(r *Registry) { globalReg = r }

// NewRegistry builds a registry over explicit providers, for tests.
func NewRegistry(defaultProvider, defaultModel string, providers ...Provider) *Registry {
	reg := &Registry{
		providers:       make(map[string]Provider, len(providers)),
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
	for _, p := range providers {
		reg.providers[p.Name()] = p
	}
	return reg
}

// Provider resolves a provider by name; empty name means the default.
func (r *Registry) Provider(name string) (Provider, error) {
	if r == nil {
		return nil, fmt.Errorf("llm registry not initialized")
	}
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	return p, nil
}

// DefaultModel returns the configured default model name.
func (r *Registry) DefaultModel() string { return r.defaultModel }
