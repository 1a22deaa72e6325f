package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/knoguchi/costrag/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Retriever selects the first-stage candidate pool by embedding similarity.
type Retriever struct {
	store     vectorstore.VectorStore
	dimension int
}

// NewRetriever creates a retriever over store for vectors of the given dimension.
func NewRetriever(store vectorstore.VectorStore, dimension int) *Retriever {
	return &Retriever{store: store, dimension: dimension}
}

// RetrieveCandidates returns at most limit chunks ordered by descending
// similarity, ties broken by chunk id. limit <= 0 uses DefaultRerankPoolSize.
// An empty corpus yields an empty slice.
func (r *Retriever) RetrieveCandidates(ctx context.Context, embedding []float32, limit int) ([]ScoredCandidate, error) {
	ctx, span := tracer.Start(ctx, "semantic_search", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if limit <= 0 {
		limit = DefaultRerankPoolSize
	}
	span.SetAttributes(attribute.Int("limit", limit))

	if r.dimension > 0 && len(embedding) != r.dimension {
		return nil, NewError(KindEmbeddingFailure,
			fmt.Sprintf("query embedding has dimension %d, corpus expects %d", len(embedding), r.dimension), nil)
	}

	results, err := r.store.Search(ctx, embedding, limit)
	if err != nil {
		span.RecordError(err)
		return nil, classifyStoreError(ctx, err)
	}

	candidates := make([]ScoredCandidate, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, fromSearchResult(res))
	}
	sortBySimilarity(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}

func classifyStoreError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return NewError(KindTimeout, "vector search did not finish before the deadline", err)
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return NewError(KindEmbeddingFailure, "query embedding does not match the corpus", err)
	default:
		return NewError(KindStoreUnavailable, "vector store could not be queried", err)
	}
}

func fromSearchResult(res vectorstore.SearchResult) ScoredCandidate {
	source := res.Metadata[vectorstore.MetaSource]
	if source == "" {
		source = res.DocumentID
	}
	return ScoredCandidate{
		ChunkID:    res.ID,
		DocumentID: res.DocumentID,
		Text:       res.Content,
		Source:     source,
		Provider:   res.Metadata[vectorstore.MetaProvider],
		URL:        res.Metadata[vectorstore.MetaURL],
		Metadata:   res.Metadata,
		Similarity: res.Score,
	}
}

// sortBySimilarity orders by similarity desc, then chunk id asc.
func sortBySimilarity(c []ScoredCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ChunkID < c[j].ChunkID
	})
}
