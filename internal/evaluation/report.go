package evaluation

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/knoguchi/costrag/internal/retrieval"
)

// Report captures one evaluation run.
type Report struct {
	RunID       string        `json:"run_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	KValues     []int         `json:"k_values"`
	Window      int           `json:"window"`
	SkipRerank  bool          `json:"skip_rerank"`
	Aggregate   Aggregate     `json:"aggregate"`
	PerQuery    []QueryResult `json:"per_query"`
	Took        time.Duration `json:"took"`
}

// QueryResult contains metrics for a single gold label.
type QueryResult struct {
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`

	// Relevant is the size of the gold set.
	Relevant  int      `json:"relevant"`
	Retrieved []string `json:"retrieved,omitempty"`

	RecallAtK         map[int]float64 `json:"recall_at_k,omitempty"`
	NDCGAtK           map[int]float64 `json:"ndcg_at_k,omitempty"`
	ReciprocalRank    float64         `json:"reciprocal_rank"`
	FirstRelevantRank int             `json:"first_relevant_rank,omitempty"`

	Degraded       bool          `json:"degraded,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Took           time.Duration `json:"took,omitempty"`

	// Excluded marks a label with an empty gold set.
	Excluded bool        `json:"excluded,omitempty"`
	Error    *QueryError `json:"error,omitempty"`
}

// Counted reports whether the result enters the aggregate means.
func (r QueryResult) Counted() bool {
	return !r.Excluded && r.Error == nil
}

// QueryError records why a query produced no ranking.
type QueryError struct {
	Kind   retrieval.Kind `json:"kind"`
	Reason string         `json:"reason"`
}

// Aggregate holds arithmetic means over counted queries.
type Aggregate struct {
	Total     int             `json:"total"`
	Evaluated int             `json:"evaluated"`
	Excluded  int             `json:"excluded"`
	Failed    int             `json:"failed"`
	Degraded  int             `json:"degraded"`
	RecallAtK map[int]float64 `json:"recall_at_k"`
	NDCGAtK   map[int]float64 `json:"ndcg_at_k"`
	MRR       float64         `json:"mrr"`
}

func summarize(results []QueryResult, ks []int) Aggregate {
	agg := Aggregate{
		Total:     len(results),
		RecallAtK: make(map[int]float64, len(ks)),
		NDCGAtK:   make(map[int]float64, len(ks)),
	}
	for _, k := range ks {
		agg.RecallAtK[k] = 0
		agg.NDCGAtK[k] = 0
	}
	for _, r := range results {
		switch {
		case r.Excluded:
			agg.Excluded++
			continue
		case r.Error != nil:
			agg.Failed++
			continue
		}
		agg.Evaluated++
		if r.Degraded {
			agg.Degraded++
		}
		for _, k := range ks {
			agg.RecallAtK[k] += r.RecallAtK[k]
			agg.NDCGAtK[k] += r.NDCGAtK[k]
		}
		agg.MRR += r.ReciprocalRank
	}
	if agg.Evaluated == 0 {
		return agg
	}
	n := float64(agg.Evaluated)
	for _, k := range ks {
		agg.RecallAtK[k] /= n
		agg.NDCGAtK[k] /= n
	}
	agg.MRR /= n
	return agg
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human-readable summary followed by one line per query.
// Colour follows fatih/color's terminal detection.
func (r *Report) WriteText(w io.Writer) error {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	good := color.New(color.FgGreen).SprintfFunc()
	warn := color.New(color.FgYellow).SprintfFunc()
	bad := color.New(color.FgRed).SprintfFunc()

	agg := r.Aggregate
	fmt.Fprintf(w, "%s %s\n", header("Evaluation run"), r.RunID)
	fmt.Fprintf(w, "queries: %d  evaluated: %d  excluded: %d  failed: %d  degraded: %d  window: %d  took: %s\n",
		agg.Total, agg.Evaluated, agg.Excluded, agg.Failed, agg.Degraded, r.Window, r.Took.Round(time.Millisecond))
	if r.SkipRerank {
		fmt.Fprintln(w, warn("reranking skipped: first-stage ranking only"))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\n", header("K"), header("Recall@K"), header("nDCG@K"))
	for _, k := range r.KValues {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\n", k, agg.RecallAtK[k], agg.NDCGAtK[k])
	}
	fmt.Fprintf(tw, "%s\t%.4f\t\n", header("MRR"), agg.MRR)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	for _, q := range r.PerQuery {
		switch {
		case q.Excluded:
			fmt.Fprintln(w, warn("- %s excluded: empty gold set", q.QueryID))
		case q.Error != nil:
			fmt.Fprintln(w, bad("✗ %s %s: %s", q.QueryID, q.Error.Kind, q.Error.Reason))
		case q.FirstRelevantRank == 0:
			fmt.Fprintln(w, bad("✗ %s no relevant chunk in top %d", q.QueryID, r.Window))
		default:
			line := good("✓ %s first relevant at rank %d (RR %.3f)", q.QueryID, q.FirstRelevantRank, q.ReciprocalRank)
			if q.Degraded {
				line += " " + warn("[degraded: %s]", q.DegradedReason)
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
