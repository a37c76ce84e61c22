// Package generation provides the text-generation capability behind the
// evolution engine.
//
// Defines a Provider interface with an Ollama implementation and a noop
// provider for deployments without a model. The interface allows
// swapping providers without changing consumers; every consumer already
// carries a deterministic fallback for an unconfigured or failing
// provider.
package generation

import (
	"context"
	"errors"

	"github.com/shinka-ai/shinka/model"
)

// ErrNotConfigured is returned by providers that have no model to call.
var ErrNotConfigured = errors.New("generation: provider not configured")

// Provider generates free text from a prompt.
type Provider interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req model.GenerateRequest) (string, error)

	// IsConfigured reports whether the provider can actually generate.
	IsConfigured() bool
}

// NewProvider selects a provider by kind: "ollama", "noop", or "auto"
// (ollama when a model is named, noop otherwise).
func NewProvider(kind, baseURL, modelName string) Provider {
	switch kind {
	case "ollama":
		return NewOllamaProvider(baseURL, modelName)
	case "noop":
		return NewNoopProvider()
	default: // "auto", ""
		if modelName != "" {
			return NewOllamaProvider(baseURL, modelName)
		}
		return NewNoopProvider()
	}
}

// NoopProvider always errors. Used when no model is configured; callers
// take their deterministic fallback path.
type NoopProvider struct{}

// NewNoopProvider creates a provider that never generates.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) IsConfigured() bool { return false }

func (p *NoopProvider) Generate(_ context.Context, _ model.GenerateRequest) (string, error) {
	return "", ErrNotConfigured
}
