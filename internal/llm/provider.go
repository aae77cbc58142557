// Package llm provides text generation against local and hosted model
// providers behind a single interface.
package llm

import (
	"context"
	"errors"
)

// ErrProviderUnavailable indicates the backing service cannot be reached.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// Options controls a single generation request.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

func (o Options) withDefaults(defaultModel string) Options {
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 1000
	}
	if o.Temperature == 0 {
		o.Temperature = 0.3
	}
	if o.TopP == 0 {
		o.TopP = 0.9
	}
	return o
}

// TokenSink receives incremental output tokens. Buffered providers call it
// once with the full content.
type TokenSink func(token string)

// Provider generates a completion for a prompt. onToken may be nil.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts Options, onToken TokenSink) (string, error)
}
