package service

import (
	"time"

	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/retrieval"
)

// RetrieveRequest asks for the top_k chunks most relevant to a query.
type RetrieveRequest struct {
	Query string `json:"query" validate:"required,max=4096"`

	// TopK defaults to the configured default when omitted. An explicit 0
	// is rejected.
	TopK *int `json:"top_k,omitempty" validate:"omitempty,min=1"`

	// Rerank defaults to true; false serves similarity order.
	Rerank *bool `json:"rerank,omitempty"`

	Providers []string `json:"providers,omitempty" validate:"omitempty,dive,required"`
}

// Result is one ranked chunk.
type Result struct {
	ChunkID     string            `json:"chunk_id"`
	DocumentID  string            `json:"document_id,omitempty"`
	Text        string            `json:"text"`
	Source      string            `json:"source"`
	Provider    string            `json:"provider,omitempty"`
	URL         string            `json:"url,omitempty"`
	Score       float32           `json:"score"`
	Similarity  float32           `json:"similarity_score"`
	RerankScore *float32          `json:"rerank_score,omitempty"`
	Rank        int               `json:"rank"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RetrieveResponse is the ranked result list.
type RetrieveResponse struct {
	Query            string   `json:"query"`
	Results          []Result `json:"results"`
	Degraded         bool     `json:"degraded"`
	DegradedReason   string   `json:"degraded_reason,omitempty"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`
}

// StatsRequest is empty; it exists so the RPC has a request message.
type StatsRequest struct{}

// StatsResponse reports corpus and model statistics.
type StatsResponse = retrieval.Stats

// EvaluateRequest runs the gold set through the pipeline. Labels override
// the server's gold set when present.
type EvaluateRequest struct {
	KValues    []int                  `json:"k_values,omitempty" validate:"omitempty,dive,min=1"`
	SkipRerank bool                   `json:"skip_rerank,omitempty"`
	Labels     []evaluation.GoldLabel `json:"labels,omitempty"`
}

// EvaluateResponse is the evaluation report.
type EvaluateResponse = evaluation.Report

func toResult(c retrieval.ScoredCandidate) Result {
	r := Result{
		ChunkID:    c.ChunkID,
		DocumentID: c.DocumentID,
		Text:       c.Text,
		Source:     c.Source,
		Provider:   c.Provider,
		URL:        c.URL,
		Score:      c.Score,
		Similarity: c.Similarity,
		Rank:       c.Rank,
		Metadata:   c.Metadata,
	}
	if c.Reranked {
		score := c.RerankScore
		r.RerankScore = &score
	}
	return r
}

func durationFromMs(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
