package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/knoguchi/costrag/internal/reranker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reranker reorders a candidate pool with a relevance model.
type Reranker struct {
	model   reranker.Model
	timeout time.Duration
}

// NewReranker wraps model. A nil model means reranking is disabled.
// timeout bounds one scoring call; 0 leaves it to the caller's context.
func NewReranker(model reranker.Model, timeout time.Duration) *Reranker {
	return &Reranker{model: model, timeout: timeout}
}

// Enabled reports whether a model is configured.
func (r *Reranker) Enabled() bool {
	return r != nil && r.model != nil
}

// Rerank scores every candidate against the query and returns the same set
// ordered by rerank score desc, similarity desc, chunk id asc. The output
// does not depend on input order.
//
// When the model is missing or fails, Rerank returns the candidates in
// similarity order together with an *Error of kind KindRerankerUnavailable;
// the returned slice is usable in that case.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []ScoredCandidate) ([]ScoredCandidate, error) {
	out := make([]ScoredCandidate, len(candidates))
	copy(out, candidates)

	if !r.Enabled() {
		sortBySimilarity(out)
		return out, NewError(KindRerankerUnavailable, ReasonRerankerDisabled, nil)
	}
	if len(out) == 0 {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "rerank", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("model", r.model.Name()),
		attribute.Int("candidates", len(out)),
	)

	scoreCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	texts := make([]string, len(out))
	for i, c := range out {
		texts[i] = c.Text
	}

	scores, err := r.model.Score(scoreCtx, query, texts)
	if err == nil {
		err = checkScores(scores, len(out))
	}
	if err != nil {
		span.RecordError(err)
		sortBySimilarity(out)
		reason := ReasonRerankerFailed
		if errors.Is(err, context.DeadlineExceeded) || scoreCtx.Err() != nil {
			reason = ReasonRerankerTimedOut
		}
		return out, NewError(KindRerankerUnavailable, reason, err)
	}

	for i := range out {
		out[i].RerankScore = scores[i]
		out[i].Reranked = true
	}
	sortByRerank(out)
	return out, nil
}

func checkScores(scores []float32, n int) error {
	if len(scores) != n {
		return fmt.Errorf("model returned %d scores for %d candidates", len(scores), n)
	}
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return fmt.Errorf("model returned non-finite score for candidate %d", i)
		}
	}
	return nil
}

// sortByRerank orders by rerank score desc, then similarity desc, then chunk id asc.
func sortByRerank(c []ScoredCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].RerankScore != c[j].RerankScore {
			return c[i].RerankScore > c[j].RerankScore
		}
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ChunkID < c[j].ChunkID
	})
}
