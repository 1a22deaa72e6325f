// Package evaluation measures retrieval quality against a gold-label set:
// Recall@K, reciprocal rank and nDCG@K per query, and their means.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/knoguchi/costrag/internal/evaluation")

// DefaultKValues are the cut-offs reported when none are requested.
var DefaultKValues = []int{1, 3, 5, 10}

// Retriever is the part of the retrieval pipeline the evaluator drives.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

// Options controls evaluation behavior.
type Options struct {
	// KValues are the Recall@K / nDCG@K cut-offs. All metrics share one
	// retrieval window of max(KValues).
	KValues []int

	// MaxTopK rejects windows the pipeline would refuse; 0 disables the check.
	MaxTopK int

	// Concurrency bounds in-flight queries.
	Concurrency int

	// RateLimit caps queries per second across the run; 0 means unlimited.
	RateLimit float64
	Burst     int

	// SkipRerank evaluates first-stage similarity ranking only.
	SkipRerank bool

	// Timeout bounds the whole run; 0 means no bound beyond ctx. Each
	// query is still bounded by the pipeline's own request timeout.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Progress, if set, is called once per finished query, possibly from
	// several goroutines at once.
	Progress func(QueryResult)
}

// Evaluator runs gold-label queries through a Retriever. It never writes to
// the corpus.
type Evaluator struct {
	retriever Retriever
	options   Options
	kValues   []int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewEvaluator validates opts and creates an evaluator.
func NewEvaluator(r Retriever, opts *Options) (*Evaluator, error) {
	if r == nil {
		return nil, fmt.Errorf("retriever is nil")
	}
	resolved := Options{Concurrency: 4}
	if opts != nil {
		resolved = *opts
		if resolved.Concurrency <= 0 {
			resolved.Concurrency = 4
		}
	}

	ks, err := NormalizeKValues(resolved.KValues, resolved.MaxTopK)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if resolved.RateLimit > 0 {
		burst := resolved.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(resolved.RateLimit), burst)
	}

	logger := resolved.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		retriever: r,
		options:   resolved,
		kValues:   ks,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// KValues returns the normalized cut-offs.
func (e *Evaluator) KValues() []int {
	return append([]int(nil), e.kValues...)
}

// NormalizeKValues deduplicates and sorts ks. Empty input yields
// DefaultKValues. Non-positive values, or a largest value above maxTopK when
// maxTopK > 0, are rejected as invalid requests.
func NormalizeKValues(ks []int, maxTopK int) ([]int, error) {
	if len(ks) == 0 {
		ks = DefaultKValues
	}
	seen := make(map[int]struct{}, len(ks))
	out := make([]int, 0, len(ks))
	for _, k := range ks {
		if k <= 0 {
			return nil, retrieval.NewError(retrieval.KindInvalidRequest, fmt.Sprintf("k must be positive, got %d", k), nil)
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Ints(out)
	if maxTopK > 0 && out[len(out)-1] > maxTopK {
		return nil, retrieval.NewError(retrieval.KindInvalidRequest,
			fmt.Sprintf("largest k %d exceeds max top_k %d", out[len(out)-1], maxTopK), nil)
	}
	return out, nil
}

// Evaluate retrieves every label's query once with top_k = max(K) and
// scores the ranking. Labels with no relevant chunks are reported as
// excluded without a retrieval call; failed queries are reported with their
// error kind. Neither enters the aggregate means. Per-query results keep the
// input order.
//
// Evaluate returns an error only when ctx is cancelled or the run exceeds
// Options.Timeout.
func (e *Evaluator) Evaluate(ctx context.Context, labels []GoldLabel) (*Report, error) {
	start := time.Now()
	window := e.kValues[len(e.kValues)-1]

	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("queries", len(labels)),
		attribute.Int("window", window),
	)

	results := make([]QueryResult, len(labels))
	var g errgroup.Group
	g.SetLimit(e.options.Concurrency)
	for i := range labels {
		label := labels[i]
		judgements := label.Judgements()
		if len(judgements) == 0 {
			results[i] = QueryResult{QueryID: label.QueryID, QueryText: label.QueryText, Excluded: true}
			e.progress(results[i])
			continue
		}
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				results[i] = e.queryFailed(label, judgements,
					retrieval.NewError(retrieval.KindTimeout, "rate limit wait exceeds the deadline", err))
			} else {
				results[i] = e.evaluateQuery(ctx, label, judgements, window)
			}
			e.progress(results[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		KValues:     e.KValues(),
		Window:      window,
		SkipRerank:  e.options.SkipRerank,
		PerQuery:    results,
		Took:        time.Since(start),
	}
	report.Aggregate = summarize(results, e.kValues)

	agg := report.Aggregate
	e.options.Metrics.EvaluationRun(agg.Evaluated, agg.Excluded, agg.Failed, agg.RecallAtK, agg.MRR)
	span.SetAttributes(
		attribute.Int("evaluated", agg.Evaluated),
		attribute.Int("excluded", agg.Excluded),
		attribute.Int("failed", agg.Failed),
		attribute.Float64("mrr", agg.MRR),
	)
	e.logger.Info("evaluation finished",
		"run_id", report.RunID,
		"evaluated", agg.Evaluated,
		"excluded", agg.Excluded,
		"failed", agg.Failed,
		"mrr", agg.MRR,
		"took", report.Took,
	)
	return report, nil
}

func (e *Evaluator) evaluateQuery(ctx context.Context, label GoldLabel, judgements map[string]Grade, window int) QueryResult {
	res := QueryResult{
		QueryID:   label.QueryID,
		QueryText: label.QueryText,
		Relevant:  len(judgements),
	}

	resp, err := e.retriever.Retrieve(ctx, retrieval.Query{
		Text:       label.QueryText,
		TopK:       window,
		SkipRerank: e.options.SkipRerank,
	})
	if err != nil {
		return e.queryFailed(label, judgements, err)
	}

	ranked := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ranked[i] = r.ChunkID
	}

	res.Retrieved = ranked
	res.Degraded = resp.Degraded
	res.DegradedReason = resp.DegradedReason
	res.Took = resp.Took
	res.RecallAtK = make(map[int]float64, len(e.kValues))
	res.NDCGAtK = make(map[int]float64, len(e.kValues))
	for _, k := range e.kValues {
		res.RecallAtK[k] = RecallAtK(ranked, judgements, k)
		res.NDCGAtK[k] = NDCGAtK(ranked, judgements, k)
	}
	res.FirstRelevantRank = FirstRelevantRank(ranked, judgements)
	res.ReciprocalRank = ReciprocalRank(ranked, judgements)
	return res
}

// queryFailed records err against the label; the query is left out of
// every mean.
func (e *Evaluator) queryFailed(label GoldLabel, judgements map[string]Grade, err error) QueryResult {
	failure := retrieval.NewError(retrieval.KindEvaluationQueryFailure,
		fmt.Sprintf("query %s failed", label.QueryID), err)
	e.logger.Warn("evaluation query failed", "query_id", label.QueryID, "error", failure)
	res := QueryResult{
		QueryID:   label.QueryID,
		QueryText: label.QueryText,
		Relevant:  len(judgements),
		Error:     &QueryError{Kind: retrieval.KindOf(err), Reason: retrieval.ReasonOf(err)},
	}
	if res.Error.Kind == "" {
		res.Error.Kind = retrieval.KindEvaluationQueryFailure
	}
	return res
}

func (e *Evaluator) progress(r QueryResult) {
	if e.options.Progress != nil {
		e.options.Progress(r)
	}
}
