// Package reranker provides relevance models that score (query, passage) pairs.
//
// A Model sees the query and one passage together, which is what makes it more
// precise than first-stage vector similarity. Each pair is scored
// independently, so a passage's score does not depend on which other passages
// are in the batch or in what order they arrive.
//
// # Trade-offs
//
//   - Latency: a cross-encoder pass over 20 candidates costs tens of
//     milliseconds on CPU; the LLM scorer costs one generation per candidate.
//   - Quality: large gains when the top vector hits have similar scores.
//
// Reranking can be switched off per deployment (RERANKER_ENABLED) and per
// request; the pipeline then serves similarity order and reports it as degraded.
package reranker

import (
	"context"
	"fmt"
	"time"

	"github.com/knoguchi/costrag/internal/llm"
)

// Model scores each document's relevance to the query. Scores are in [0, 1],
// one per document in input order, and comparable only within one call.
type Model interface {
	Score(ctx context.Context, query string, documents []string) ([]float32, error)
	Name() string
}

// Config selects and configures a reranking model.
type Config struct {
	Provider string // crossencoder or llm
	URL      string // cross-encoder service base URL
	Model    string
	Timeout  time.Duration

	// LLMConcurrency bounds concurrent scoring calls for the llm provider.
	LLMConcurrency int
}

// New builds the model named by cfg.Provider. llmClient is only used by the
// llm provider.
func New(cfg Config, llmClient llm.LLM) (Model, error) {
	switch cfg.Provider {
	case "crossencoder", "":
		return NewCrossEncoder(CrossEncoderConfig{
			BaseURL: cfg.URL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case "llm":
		if llmClient == nil {
			return nil, fmt.Errorf("llm reranker requires an LLM client")
		}
		opts := []LLMRerankerOption{WithConcurrency(cfg.LLMConcurrency)}
		if cfg.Model != "" {
			opts = append(opts, WithModel(cfg.Model))
		}
		return NewLLMReranker(llmClient, opts...), nil
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", cfg.Provider)
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
