package embedding

import (
	"context"
	"fmt"

	"github.com/loomworks/loomkb/internal/ollama"
)

// OllamaProvider generates embeddings through a local Ollama instance.
type OllamaProvider struct {
	client     *ollama.Client
	descriptor Descriptor
}

// NewOllamaProvider wraps the given client. version labels the model
// revision for descriptor tracking (bump it when the pulled model
// changes in a way that breaks the vector space).
func NewOllamaProvider(client *ollama.Client, model, version string) *OllamaProvider {
	return &OllamaProvider{
		client:     client,
		descriptor: Descriptor{Model: model, Version: version},
	}
}

// Embed returns the embedding vector for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.client.Embed(ctx, p.descriptor.Model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// Descriptor identifies the model behind this provider.
func (p *OllamaProvider) Descriptor() Descriptor {
	return p.descriptor
}

// Healthy reports whether the Ollama server is reachable.
func (p *OllamaProvider) Healthy(ctx context.Context) bool {
	return p.client.IsRunning(ctx)
}
