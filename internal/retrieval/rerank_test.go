package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pool() []ScoredCandidate {
	return []ScoredCandidate{
		{ChunkID: "c1", Text: "t1", Similarity: 0.80},
		{ChunkID: "c2", Text: "t2", Similarity: 0.70},
		{ChunkID: "c3", Text: "t3", Similarity: 0.70},
		{ChunkID: "c4", Text: "t4", Similarity: 0.60},
		{ChunkID: "c5", Text: "t5", Similarity: 0.50},
	}
}

func float32NaN() float32 { return float32(math.NaN()) }

// permutations returns every ordering of in.
func permutations(in []ScoredCandidate) [][]ScoredCandidate {
	if len(in) <= 1 {
		return [][]ScoredCandidate{append([]ScoredCandidate(nil), in...)}
	}
	var out [][]ScoredCandidate
	for i := range in {
		rest := make([]ScoredCandidate, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]ScoredCandidate{in[i]}, p...))
		}
	}
	return out
}

func TestReranker_OrderInvariant(t *testing.T) {
	// c2/c3 tie on both scores; c1/c4 tie on rerank score only
	model := &fakeModel{scores: map[string]float32{"t1": 0.4, "t2": 0.9, "t3": 0.9, "t4": 0.4, "t5": 0.7}}
	r := NewReranker(model, 0)

	want := []string{"c2", "c3", "c5", "c1", "c4"}
	for _, perm := range permutations(pool()) {
		got, err := r.Rerank(context.Background(), "q", perm)
		require.NoError(t, err)
		require.Equal(t, want, ids(got))
	}
}

func TestReranker_PreservesSet(t *testing.T) {
	model := &fakeModel{scores: map[string]float32{"t5": 1}}
	in := pool()
	out, err := NewReranker(model, 0).Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(in), ids(out))
	assert.Equal(t, "c5", out[0].ChunkID)
	// input is not mutated
	assert.Equal(t, "c1", in[0].ChunkID)
	assert.False(t, in[0].Reranked)
}

func TestReranker_Disabled(t *testing.T) {
	in := pool()
	in[0], in[4] = in[4], in[0]

	out, err := NewReranker(nil, 0).Rerank(context.Background(), "q", in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRerankerUnavailable))
	assert.False(t, KindOf(err).Fatal())
	assert.Equal(t, ReasonRerankerDisabled, ReasonOf(err))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids(out))
}

func TestReranker_BadScoresDegrade(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"error", &fakeModel{err: errors.New("503")}},
		{"nan", &fakeModel{scores: map[string]float32{"t1": float32NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewReranker(tt.model, 0).Rerank(context.Background(), "q", pool())
			assert.True(t, errors.Is(err, ErrRerankerUnavailable))
			assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids(out))
		})
	}
}

func TestReranker_EmptyPool(t *testing.T) {
	model := &fakeModel{}
	out, err := NewReranker(model, 0).Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, model.calls.Load())
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name     string
		c        ScoredCandidate
		degraded bool
		want     float32
	}{
		{"rerank score", ScoredCandidate{RerankScore: 0.8, Reranked: true, Similarity: 0.3}, false, 0.8},
		{"degraded uses similarity", ScoredCandidate{Similarity: 0.3}, true, 0.3},
		{"negative similarity clamps", ScoredCandidate{Similarity: -0.2}, true, 0},
		{"rerank above one clamps", ScoredCandidate{RerankScore: 1.4, Reranked: true}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, confidence(tt.c, tt.degraded), 1e-6)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindStoreUnavailable, "qdrant down", errors.New("dial tcp"))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "store_unavailable: qdrant down: dial tcp", err.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "plain", ReasonOf(errors.New("plain")))

	for _, k := range []Kind{KindInvalidRequest, KindEmbeddingFailure, KindStoreUnavailable, KindTimeout} {
		assert.True(t, k.Fatal(), k)
	}
	assert.False(t, KindRerankerUnavailable.Fatal())
	assert.False(t, KindEvaluationQueryFailure.Fatal())
}
