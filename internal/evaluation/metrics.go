package evaluation

import (
	"math"
	"sort"
)

// RecallAtK is |relevant ∩ top-k| / |relevant|. Both grades count as
// relevant. It is 0 when the relevant set is empty; callers exclude such
// queries instead of averaging the 0.
func RecallAtK(ranked []string, relevant map[string]Grade, k int) float64 {
	if len(relevant) == 0 || k <= 0 {
		return 0
	}
	hits := 0
	for _, id := range topK(ranked, k) {
		if _, ok := relevant[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(relevant))
}

// ReciprocalRank is 1/rank of the first relevant result in ranked, or 0 if
// none is present.
func ReciprocalRank(ranked []string, relevant map[string]Grade) float64 {
	if rank := FirstRelevantRank(ranked, relevant); rank > 0 {
		return 1 / float64(rank)
	}
	return 0
}

// FirstRelevantRank returns the 1-based rank of the first relevant result,
// or 0.
func FirstRelevantRank(ranked []string, relevant map[string]Grade) int {
	for i, id := range ranked {
		if _, ok := relevant[id]; ok {
			return i + 1
		}
	}
	return 0
}

// NDCGAtK computes normalized discounted cumulative gain over the top k
// using the grade as gain.
func NDCGAtK(ranked []string, relevant map[string]Grade, k int) float64 {
	if len(relevant) == 0 || k <= 0 {
		return 0
	}
	dcg := 0.0
	for i, id := range topK(ranked, k) {
		if g, ok := relevant[id]; ok {
			dcg += float64(g) / math.Log2(float64(i+2))
		}
	}
	idcg := idealDCG(relevant, k)
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func idealDCG(relevant map[string]Grade, k int) float64 {
	gains := make([]int, 0, len(relevant))
	for _, g := range relevant {
		gains = append(gains, int(g))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(gains)))
	idcg := 0.0
	for i := 0; i < len(gains) && i < k; i++ {
		idcg += float64(gains[i]) / math.Log2(float64(i+2))
	}
	return idcg
}

func topK(ranked []string, k int) []string {
	if k < len(ranked) {
		return ranked[:k]
	}
	return ranked
}
