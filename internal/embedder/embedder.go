// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"fmt"
)

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps embedding model names to their output dimension.
var KnownDimensions = map[string]int{
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"nomic-embed-text":                       768,
	"mxbai-embed-large":                      1024,
	"all-minilm":                             384,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// DimensionFor returns the dimension for a model, or fallback if unknown.
func DimensionFor(model string, fallback int) int {
	if d, ok := KnownDimensions[model]; ok {
		return d
	}
	return fallback
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider  string // ollama, openai or hugot
	Model     string
	Dimension int

	OllamaURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	HugotModelPath string
}

// New builds the embedder named by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		}), nil
	case "openai":
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "hugot":
		return NewHugotEmbedder(HugotConfig{
			ModelPath: cfg.HugotModelPath,
			Name:      cfg.Model,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
