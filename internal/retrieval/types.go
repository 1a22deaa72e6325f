// Package retrieval implements two-stage retrieval over the cloud-cost corpus:
// vector similarity selects a candidate pool, a cross-encoder reorders it and
// the top K are returned with a confidence score.
package retrieval

import (
	"time"
)

// Defaults for the pipeline configuration.
const (
	DefaultRerankPoolSize = 20
	DefaultTopK           = 5
	DefaultMaxTopK        = 50
)

// Degraded reasons reported when results are served in similarity order.
const (
	ReasonRerankerDisabled = "reranker disabled"
	ReasonRerankSkipped    = "reranking disabled by request"
	ReasonRerankerFailed   = "reranker unavailable"
	ReasonRerankerTimedOut = "reranker timed out"
)

// Query is one retrieval request.
type Query struct {
	Text string
	TopK int

	// Providers restricts candidates to these cloud providers (case-insensitive).
	Providers []string

	// SkipRerank serves similarity order for this request only.
	SkipRerank bool
}

// ScoredCandidate is one ranked chunk.
type ScoredCandidate struct {
	ChunkID    string
	DocumentID string
	Text       string
	Source     string
	Provider   string
	URL        string
	Metadata   map[string]string

	Similarity  float32
	RerankScore float32
	Reranked    bool // RerankScore is set

	// Score is the normalised confidence in [0, 1].
	Score float32

	// Rank is 1-based.
	Rank int
}

// Response is the result of one retrieve call.
type Response struct {
	Results []ScoredCandidate

	// Degraded is true when results are in similarity order because the
	// reranker was disabled, skipped or unavailable.
	Degraded       bool
	DegradedReason string

	Took time.Duration
}

// Stats describes the corpus and the pipeline configuration.
type Stats struct {
	Documents          int            `json:"documents"`
	Chunks             int            `json:"chunks"`
	EmbeddingModel     string         `json:"embedding_model"`
	EmbeddingDimension int            `json:"embedding_dimension"`
	RerankerEnabled    bool           `json:"reranker_enabled"`
	RerankerModel      string         `json:"reranker_model,omitempty"`
	VectorStore        string         `json:"vector_db_type"`
	Providers          []string       `json:"providers"`
	BySource           map[string]int `json:"chunks_by_source"`
	ByProvider         map[string]int `json:"chunks_by_provider"`
}
