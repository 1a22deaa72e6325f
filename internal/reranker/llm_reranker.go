package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/costrag/internal/llm"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLLMConcurrency = 4
	maxPassageChars       = 1500
)

// LLMReranker asks an LLM to grade one query-passage pair per call. Pairs are
// never batched into a single prompt, so a passage's grade cannot depend on
// its neighbours.
type LLMReranker struct {
	llmClient   llm.LLM
	model       string
	concurrency int
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithConcurrency bounds the number of concurrent scoring calls.
func WithConcurrency(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient:   llmClient,
		model:       llm.DefaultModel,
		concurrency: defaultLLMConcurrency,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *LLMReranker) Name() string { return "llm:" + r.model }

type relevanceScore struct {
	Score *float32 `json:"score"`
}

// Score grades every passage concurrently. Any failed call fails the batch.
func (r *LLMReranker) Score(ctx context.Context, query string, documents []string) ([]float32, error) {
	scores := make([]float32, len(documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, doc := range documents {
		g.Go(func() error {
			response, err := r.llmClient.Generate(gctx, buildScorePrompt(query, doc), llm.GenerateOptions{
				Model:       r.model,
				Temperature: 0,
				MaxTokens:   32,
				JSON:        true,
			})
			if err != nil {
				return fmt.Errorf("LLM scoring failed for passage %d: %w", i, err)
			}
			score, err := parseScore(response)
			if err != nil {
				return fmt.Errorf("passage %d: %w", i, err)
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// truncate cuts s to at most limit bytes on a rune boundary and marks the cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func buildScorePrompt(query, passage string) string {
	passage = truncate(passage, maxPassageChars)

	var sb strings.Builder
	sb.WriteString("You are a relevance grader for a cloud cost optimization knowledge base.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassage: ")
	sb.WriteString(passage)
	sb.WriteString(`

Rate how well the passage answers the query from 0.0 to 1.0.
Irrelevant passages score below 0.3, partially relevant 0.3-0.7, directly answering above 0.7.
Output ONLY JSON in this exact format: {"score": 0.0}`)
	return sb.String()
}

// parseScore extracts the score from the LLM response, tolerating markdown fences.
func parseScore(response string) (float32, error) {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed relevanceScore
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse score: %w", err)
	}
	if parsed.Score == nil {
		return 0, fmt.Errorf("response has no score field")
	}
	return clamp01(*parsed.Score), nil
}

var _ Model = (*LLMReranker)(nil)
