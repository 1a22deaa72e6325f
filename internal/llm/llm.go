// Package llm provides a minimal text-generation client used for LLM-based relevance scoring.
package llm

import (
	"context"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length; 0 means the server default.
	MaxTokens int

	// JSON asks the server to constrain output to valid JSON.
	JSON bool
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
