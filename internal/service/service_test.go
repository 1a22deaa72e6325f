package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// stubPipeline ranks a fixed list and records the last query.
type stubPipeline struct {
	ranking  []string
	err      error
	statsErr error
	last     retrieval.Query
}

func (p *stubPipeline) Retrieve(_ context.Context, q retrieval.Query) (*retrieval.Response, error) {
	p.last = q
	if q.TopK < 1 {
		return nil, retrieval.NewError(retrieval.KindInvalidRequest, "top_k must be at least 1, got 0", nil)
	}
	if p.err != nil {
		return nil, p.err
	}
	resp := &retrieval.Response{Took: 1500 * time.Microsecond}
	if q.SkipRerank {
		resp.Degraded, resp.DegradedReason = true, retrieval.ReasonRerankSkipped
	}
	for i, id := range p.ranking {
		if i >= q.TopK {
			break
		}
		resp.Results = append(resp.Results, retrieval.ScoredCandidate{
			ChunkID:     id,
			Text:        "text " + id,
			Source:      "aws.md",
			Similarity:  0.5,
			RerankScore: 0.9,
			Reranked:    !q.SkipRerank,
			Score:       0.9,
			Rank:        i + 1,
		})
	}
	return resp, nil
}

func (p *stubPipeline) Stats(context.Context) (*retrieval.Stats, error) {
	if p.statsErr != nil {
		return nil, p.statsErr
	}
	return &retrieval.Stats{Chunks: len(p.ranking), Documents: 1, VectorStore: "memory"}, nil
}

func (p *stubPipeline) Config() retrieval.Config {
	return retrieval.Config{DefaultTopK: 5, MaxTopK: 50, RerankPoolSize: 20}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestRetrieve_DefaultsTopK(t *testing.T) {
	p := &stubPipeline{ranking: []string{"a", "b", "c", "d", "e", "f"}}
	svc := NewRetrievalService(p)

	resp, err := svc.Retrieve(context.Background(), &RetrieveRequest{Query: "  spot instances "})
	require.NoError(t, err)
	assert.Equal(t, 5, p.last.TopK)
	assert.Len(t, resp.Results, 5)
	assert.Equal(t, "spot instances", resp.Query)
	assert.InDelta(t, 1.5, resp.ProcessingTimeMs, 1e-9)
	require.NotNil(t, resp.Results[0].RerankScore)
}

func TestRetrieve_Validation(t *testing.T) {
	svc := NewRetrievalService(&stubPipeline{})

	tests := []struct {
		name string
		req  *RetrieveRequest
		want string
	}{
		{"nil", nil, "request is required"},
		{"missing query", &RetrieveRequest{}, "query is required"},
		{"explicit zero top_k", &RetrieveRequest{Query: "q", TopK: intPtr(0)}, "top_k must be at least 1"},
		{"blank provider", &RetrieveRequest{Query: "q", Providers: []string{""}}, "is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Retrieve(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
			assert.Contains(t, retrieval.ReasonOf(err), tt.want)
		})
	}
}

func TestRetrieve_RerankToggleAndProviders(t *testing.T) {
	p := &stubPipeline{ranking: []string{"a"}}
	svc := NewRetrievalService(p)

	resp, err := svc.Retrieve(context.Background(), &RetrieveRequest{
		Query: "q", Rerank: boolPtr(false), Providers: []string{"AWS"},
	})
	require.NoError(t, err)
	assert.True(t, p.last.SkipRerank)
	assert.Equal(t, []string{"AWS"}, p.last.Providers)
	assert.True(t, resp.Degraded)
	assert.Equal(t, retrieval.ReasonRerankSkipped, resp.DegradedReason)
	assert.Nil(t, resp.Results[0].RerankScore)
}

func TestEvaluate_UsesConfiguredGold(t *testing.T) {
	p := &stubPipeline{ranking: []string{"y", "x"}}
	gold := []evaluation.GoldLabel{{
		QueryID: "q1", QueryText: "q",
		Relevant: []evaluation.RelevantChunk{{ID: "x", Grade: evaluation.GradeRelevant}},
	}}
	svc := NewRetrievalService(p, WithGoldLabels(gold))

	report, err := svc.Evaluate(context.Background(), &EvaluateRequest{KValues: []int{1, 3}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.Aggregate.MRR, 1e-9)
	assert.Equal(t, 3, p.last.TopK)

	_, err = svc.Evaluate(context.Background(), &EvaluateRequest{KValues: []int{100}})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)

	_, err = NewRetrievalService(p).Evaluate(context.Background(), nil)
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
}

// blockingPipeline waits for the query context to end.
type blockingPipeline struct{ stubPipeline }

func (p *blockingPipeline) Retrieve(ctx context.Context, _ retrieval.Query) (*retrieval.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEvaluate_RunBudgetIsTimeout(t *testing.T) {
	gold := []evaluation.GoldLabel{{
		QueryID: "q1", QueryText: "q",
		Relevant: []evaluation.RelevantChunk{{ID: "x", Grade: evaluation.GradeRelevant}},
	}}
	svc := NewRetrievalService(&blockingPipeline{},
		WithGoldLabels(gold),
		WithEvaluationOptions(evaluation.Options{Timeout: 20 * time.Millisecond}),
	)

	_, err := svc.Evaluate(context.Background(), &EvaluateRequest{KValues: []int{1}})
	require.Error(t, err)
	assert.Equal(t, retrieval.KindTimeout, retrieval.KindOf(err))
	assert.Equal(t, "evaluation exceeded its time budget", retrieval.ReasonOf(err))
}

func TestReady(t *testing.T) {
	assert.NoError(t, NewRetrievalService(&stubPipeline{}).Ready(context.Background()))
	assert.Error(t, NewRetrievalService(&stubPipeline{statsErr: errors.New("down")}).Ready(context.Background()))
}

// startBufconn serves svc over an in-memory listener.
func startBufconn(t *testing.T, svc RetrievalServiceServer) *RetrievalClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterRetrievalServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewRetrievalClient(conn)
}

func TestGRPC_RoundTrip(t *testing.T) {
	p := &stubPipeline{ranking: []string{"a", "b", "c"}}
	client := startBufconn(t, NewRetrievalService(p))
	ctx := context.Background()

	resp, err := client.Retrieve(ctx, &RetrieveRequest{Query: "q", TopK: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string{resp.Results[0].ChunkID, resp.Results[1].ChunkID})

	stats, err := client.Stats(ctx, &StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, "memory", stats.VectorStore)
}

func TestGRPC_ErrorKindsSurviveTheWire(t *testing.T) {
	tests := []struct {
		name     string
		pipeline *stubPipeline
		req      *RetrieveRequest
		kind     retrieval.Kind
	}{
		{"invalid", &stubPipeline{}, &RetrieveRequest{Query: "q", TopK: intPtr(0)}, retrieval.KindInvalidRequest},
		{"store", &stubPipeline{err: retrieval.NewError(retrieval.KindStoreUnavailable, "vector store could not be queried", errors.New("eof"))}, &RetrieveRequest{Query: "q"}, retrieval.KindStoreUnavailable},
		{"embedding", &stubPipeline{err: retrieval.NewError(retrieval.KindEmbeddingFailure, "query could not be embedded", nil)}, &RetrieveRequest{Query: "q"}, retrieval.KindEmbeddingFailure},
		{"timeout", &stubPipeline{err: retrieval.NewError(retrieval.KindTimeout, "deadline", nil)}, &RetrieveRequest{Query: "q"}, retrieval.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startBufconn(t, NewRetrievalService(tt.pipeline))
			_, err := NewRemoteRetriever(client).Retrieve(context.Background(), retrieval.Query{Text: tt.req.Query, TopK: derefOr(tt.req.TopK, 5)})
			require.Error(t, err)
			assert.Equal(t, tt.kind, retrieval.KindOf(err))
		})
	}
}

func derefOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func TestRemoteRetriever_DrivesEvaluator(t *testing.T) {
	p := &stubPipeline{ranking: []string{"y", "x", "z"}}
	client := startBufconn(t, NewRetrievalService(p))

	ev, err := evaluation.NewEvaluator(NewRemoteRetriever(client), &evaluation.Options{KValues: []int{1, 3}})
	require.NoError(t, err)
	report, err := ev.Evaluate(context.Background(), []evaluation.GoldLabel{{
		QueryID: "q1", QueryText: "q",
		Relevant: []evaluation.RelevantChunk{{ID: "x", Grade: evaluation.GradeRelevant}},
	}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.PerQuery[0].ReciprocalRank, 1e-9)
	assert.InDelta(t, 1.0, report.PerQuery[0].RecallAtK[3], 1e-9)
}

func TestToStatus(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, toStatus(ctx, nil))

	st, _ := status.FromError(toStatus(ctx, errors.New("boom")))
	assert.Equal(t, codes.Internal, st.Code())

	st, _ = status.FromError(toStatus(ctx, retrieval.NewError(retrieval.KindInvalidRequest, "bad", nil)))
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "bad", st.Message())
}

// mockPipeline records calls with testify/mock.
type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	args := m.Called(ctx, q)
	resp, _ := args.Get(0).(*retrieval.Response)
	return resp, args.Error(1)
}

func (m *mockPipeline) Stats(ctx context.Context) (*retrieval.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*retrieval.Stats)
	return stats, args.Error(1)
}

func (m *mockPipeline) Config() retrieval.Config {
	return retrieval.Config{DefaultTopK: 5, MaxTopK: 50}
}

func TestRetrieve_TranslatesRequest(t *testing.T) {
	m := &mockPipeline{}
	want := retrieval.Query{Text: "egress costs", TopK: 3, SkipRerank: true, Providers: []string{"GCP"}}
	m.On("Retrieve", mock.Anything, want).Return(&retrieval.Response{}, nil).Once()

	_, err := NewRetrievalService(m).Retrieve(context.Background(), &RetrieveRequest{
		Query: "egress costs", TopK: intPtr(3), Rerank: boolPtr(false), Providers: []string{"GCP"},
	})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestRetrieve_InvalidRequestSkipsPipeline(t *testing.T) {
	m := &mockPipeline{}
	_, err := NewRetrievalService(m).Retrieve(context.Background(), &RetrieveRequest{Query: "   "})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
	m.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything)
}
