package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/knoguchi/costrag/internal/embedder"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/reranker"
	"github.com/knoguchi/costrag/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/knoguchi/costrag/internal/retrieval")

// Config is the configuration surface the pipeline consumes. It is built by
// the caller; the pipeline never reads the environment.
type Config struct {
	Dimension      int
	RerankPoolSize int
	DefaultTopK    int
	MaxTopK        int
	RerankEnabled  bool

	// RequestTimeout bounds a whole retrieve call; 0 means no bound.
	RequestTimeout time.Duration

	// RerankTimeout bounds the scoring call; expiry degrades instead of failing.
	RerankTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RerankPoolSize <= 0 {
		c.RerankPoolSize = DefaultRerankPoolSize
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = DefaultMaxTopK
	}
}

// Pipeline composes embedding, candidate retrieval, reranking and top-K
// selection. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	embedder  embedder.Embedder
	store     vectorstore.VectorStore
	retriever *Retriever
	reranker  *Reranker
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline builds a pipeline. model may be nil, and is ignored when
// cfg.RerankEnabled is false.
func NewPipeline(emb embedder.Embedder, store vectorstore.VectorStore, model reranker.Model, cfg Config, opts ...Option) (*Pipeline, error) {
	if emb == nil {
		return nil, errors.New("embedder is required")
	}
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	cfg.applyDefaults()
	if cfg.Dimension <= 0 {
		cfg.Dimension = emb.Dimension()
	}
	if cfg.DefaultTopK > cfg.MaxTopK {
		return nil, fmt.Errorf("default top_k %d exceeds max top_k %d", cfg.DefaultTopK, cfg.MaxTopK)
	}
	if !cfg.RerankEnabled {
		model = nil
	}

	p := &Pipeline{
		embedder:  emb,
		store:     store,
		retriever: NewRetriever(store, cfg.Dimension),
		reranker:  NewReranker(model, cfg.RerankTimeout),
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Validate checks a query without doing any I/O.
func (p *Pipeline) Validate(q Query) error {
	if strings.TrimSpace(q.Text) == "" {
		return invalidRequest("query text must not be empty")
	}
	if q.TopK < 1 {
		return invalidRequest("top_k must be at least 1, got %d", q.TopK)
	}
	if q.TopK > p.cfg.MaxTopK {
		return invalidRequest("top_k must be at most %d, got %d", p.cfg.MaxTopK, q.TopK)
	}
	return nil
}

// Retrieve embeds the query, fetches max(top_k, pool size) candidates,
// reranks them and returns the top K with 1-based ranks.
//
// InvalidRequest, EmbeddingFailure, StoreUnavailable and Timeout are returned
// as *Error. A reranker problem is not an error: the response is marked
// Degraded and ordered by similarity.
func (p *Pipeline) Retrieve(ctx context.Context, q Query) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case err != nil:
			status = string(KindOf(err))
		case resp.Degraded:
			status = "degraded"
		}
		p.metrics.RetrieveDone(status, time.Since(start))
	}()

	if err := p.Validate(q); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(q.Text)

	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", q.TopK))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ReasonOf(err))
		}
	}()

	stageStart := time.Now()
	vector, err := p.embedder.Embed(ctx, text)
	p.metrics.Stage("embed", time.Since(stageStart))
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(KindTimeout, "query embedding did not finish before the deadline", err)
		}
		return nil, NewError(KindEmbeddingFailure, "query could not be embedded", err)
	}

	limit := max(q.TopK, p.cfg.RerankPoolSize)
	stageStart = time.Now()
	candidates, err := p.retriever.RetrieveCandidates(ctx, vector, limit)
	p.metrics.Stage("search", time.Since(stageStart))
	if err != nil {
		p.logger.Error("candidate retrieval failed", "error", err)
		return nil, err
	}
	if len(candidates) == 0 {
		p.logger.Debug("empty corpus or no candidates", "limit", limit)
	}

	candidates = filterProviders(candidates, q.Providers)

	resp = &Response{}
	var ranked []ScoredCandidate
	switch {
	case q.SkipRerank:
		ranked = candidates
		sortBySimilarity(ranked)
		resp.Degraded, resp.DegradedReason = true, ReasonRerankSkipped
	default:
		stageStart = time.Now()
		ranked, err = p.reranker.Rerank(ctx, text, candidates)
		p.metrics.Stage("rerank", time.Since(stageStart))
		if err != nil {
			if !errors.Is(err, ErrRerankerUnavailable) {
				return nil, err
			}
			resp.Degraded, resp.DegradedReason = true, ReasonOf(err)
			if p.reranker.Enabled() {
				p.logger.Warn("reranking degraded", "reason", resp.DegradedReason, "error", err)
			}
			err = nil
		}
	}
	if resp.Degraded {
		p.metrics.Degraded(resp.DegradedReason)
		span.SetAttributes(attribute.String("degraded_reason", resp.DegradedReason))
	}

	if len(ranked) > q.TopK {
		ranked = ranked[:q.TopK]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
		ranked[i].Score = confidence(ranked[i], resp.Degraded)
	}

	resp.Results = ranked
	resp.Took = time.Since(start)
	span.SetAttributes(attribute.Int("results", len(ranked)), attribute.Bool("degraded", resp.Degraded))
	return resp, nil
}

// confidence maps a result onto [0, 1]: the rerank score when reranked,
// cosine similarity otherwise.
func confidence(c ScoredCandidate, degraded bool) float32 {
	v := c.RerankScore
	if degraded || !c.Reranked {
		v = c.Similarity
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func filterProviders(candidates []ScoredCandidate, providers []string) []ScoredCandidate {
	if len(providers) == 0 {
		return candidates
	}
	allowed := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		allowed[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	out := candidates[:0:0]
	for _, c := range candidates {
		if _, ok := allowed[strings.ToLower(c.Provider)]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Stats reports corpus statistics from the store together with the
// pipeline's embedding and reranking configuration.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		return nil, classifyStoreError(ctx, err)
	}

	stats := &Stats{
		Documents:          st.Documents,
		Chunks:             st.Chunks,
		EmbeddingModel:     p.embedder.ModelName(),
		EmbeddingDimension: p.cfg.Dimension,
		RerankerEnabled:    p.reranker.Enabled(),
		VectorStore:        p.store.Type(),
		BySource:           st.BySource,
		ByProvider:         st.ByProvider,
		Providers:          make([]string, 0, len(st.ByProvider)),
	}
	if p.reranker.Enabled() {
		stats.RerankerModel = p.reranker.model.Name()
	}
	for provider := range st.ByProvider {
		stats.Providers = append(stats.Providers, provider)
	}
	sort.Strings(stats.Providers)
	return stats, nil
}
