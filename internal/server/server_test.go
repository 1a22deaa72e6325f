package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/retrieval"
	"github.com/knoguchi/costrag/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// fakeAPI returns canned answers and errors.
type fakeAPI struct {
	err      error
	readyErr error
	lastReq  *service.RetrieveRequest
	panics   bool
}

func (f *fakeAPI) Retrieve(_ context.Context, req *service.RetrieveRequest) (*service.RetrieveResponse, error) {
	if f.panics {
		panic("boom")
	}
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.RetrieveResponse{
		Query:   req.Query,
		Results: []service.Result{{ChunkID: "aws#0", Text: "Use Savings Plans", Source: "aws.md", Score: 0.9, Rank: 1}},
	}, nil
}

func (f *fakeAPI) Stats(context.Context, *service.StatsRequest) (*service.StatsResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.Stats{Documents: 2, Chunks: 7, VectorStore: "memory", Providers: []string{"AWS", "GCP"}}, nil
}

func (f *fakeAPI) Evaluate(_ context.Context, req *service.EvaluateRequest) (*service.EvaluateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &evaluation.Report{RunID: "run-1", KValues: req.KValues}, nil
}

func (f *fakeAPI) Ready(context.Context) error { return f.readyErr }

func newTestServer(t *testing.T, api API, reg *prometheus.Registry) http.Handler {
	t.Helper()
	cfg := HTTPServerConfig{Port: 0}
	if reg != nil {
		cfg.Metrics = observability.NewMetrics(reg)
		cfg.Gatherer = reg
	}
	s, err := NewHTTPServer(cfg, api)
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Retrieve(t *testing.T) {
	api := &fakeAPI{}
	h := newTestServer(t, api, nil)

	rec := do(t, h, http.MethodPost, "/v1/retrieve", `{"query":"cheapest GPU instances","top_k":3,"providers":["AWS"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp service.RetrieveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "aws#0", resp.Results[0].ChunkID)
	assert.Equal(t, 1, resp.Results[0].Rank)
	require.NotNil(t, api.lastReq.TopK)
	assert.Equal(t, 3, *api.lastReq.TopK)
	assert.Equal(t, []string{"AWS"}, api.lastReq.Providers)
}

func TestHTTP_BadBodies(t *testing.T) {
	h := newTestServer(t, &fakeAPI{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"query":`},
		{"unknown field", `{"query":"q","k":3}`},
		{"wrong type", `{"query":"q","top_k":"five"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/retrieve", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var er ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&er))
			assert.Equal(t, "invalid_request", er.Error)
		})
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{retrieval.NewError(retrieval.KindInvalidRequest, "top_k must be at most 50, got 51", nil), http.StatusBadRequest, "invalid_request"},
		{retrieval.NewError(retrieval.KindEmbeddingFailure, "query could not be embedded", nil), http.StatusBadGateway, "embedding_failure"},
		{retrieval.NewError(retrieval.KindStoreUnavailable, "vector store could not be queried", nil), http.StatusServiceUnavailable, "store_unavailable"},
		{retrieval.NewError(retrieval.KindTimeout, "deadline", nil), http.StatusGatewayTimeout, "timeout"},
		{errors.New("unclassified"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			h := newTestServer(t, &fakeAPI{err: tt.err}, nil)
			rec := do(t, h, http.MethodPost, "/v1/retrieve", `{"query":"q"}`)
			assert.Equal(t, tt.code, rec.Code)

			var er ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&er))
			assert.Equal(t, tt.kind, er.Error)
			if tt.kind != "internal" {
				assert.Equal(t, retrieval.ReasonOf(tt.err), er.Message)
			}
		})
	}
}

func TestHTTP_StatsAndEvaluate(t *testing.T) {
	h := newTestServer(t, &fakeAPI{}, nil)

	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, "memory", stats["vector_db_type"])
	assert.EqualValues(t, 7, stats["chunks"])

	rec = do(t, h, http.MethodPost, "/v1/evaluate", `{"k_values":[1,5]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var report evaluation.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, []int{1, 5}, report.KValues)

	rec = do(t, h, http.MethodPost, "/v1/evaluate", "")
	assert.Equal(t, http.StatusOK, rec.Code, "evaluate accepts an empty body")
}

func TestHTTP_HealthEndpoints(t *testing.T) {
	h := newTestServer(t, &fakeAPI{}, nil)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	down := newTestServer(t, &fakeAPI{readyErr: retrieval.NewError(retrieval.KindStoreUnavailable, "qdrant down", nil)}, nil)
	rec := do(t, down, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "qdrant down")
	assert.Equal(t, http.StatusOK, do(t, down, http.MethodGet, "/healthz", "").Code)
}

func TestHTTP_MetricsAndRecovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestServer(t, &fakeAPI{panics: true}, reg)

	rec := do(t, h, http.MethodPost, "/v1/retrieve", `{"query":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `costrag_http_request_duration_seconds_count{method="POST",route="/v1/retrieve",status_code="500"} 1`)
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h := newTestServer(t, &fakeAPI{}, nil)
	rec := do(t, h, http.MethodOptions, "/v1/retrieve", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGRPCServer_ServesRetrievalAndHealth(t *testing.T) {
	s, err := NewGRPCServer(GRPCServerConfig{}, &fakeAPI{})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	hc, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: service.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	resp, err := service.NewRetrievalClient(conn).Retrieve(context.Background(), &service.RetrieveRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "aws#0", resp.Results[0].ChunkID)
}

func TestGRPCServer_RecoversPanics(t *testing.T) {
	s, err := NewGRPCServer(GRPCServerConfig{}, &fakeAPI{panics: true})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	_, err = service.NewRetrievalClient(conn).Retrieve(context.Background(), &service.RetrieveRequest{Query: "q"})
	require.Error(t, err)
	// no kind trailer for a panic; the client falls back to the status code
	assert.Equal(t, retrieval.KindStoreUnavailable, retrieval.KindOf(err))
}

// slowPipeline answers every query after delay unless ctx ends first.
type slowPipeline struct {
	delay time.Duration
}

func (p *slowPipeline) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, retrieval.NewError(retrieval.KindTimeout, "retrieval timed out", ctx.Err())
	}
	return &retrieval.Response{Results: []retrieval.ScoredCandidate{{ChunkID: q.Text + "#0", Rank: 1}}}, nil
}

func (p *slowPipeline) Stats(context.Context) (*retrieval.Stats, error) {
	return &retrieval.Stats{VectorStore: "memory"}, nil
}

func (p *slowPipeline) Config() retrieval.Config { return retrieval.Config{MaxTopK: 50} }

func TestHTTP_EvaluateOutlivesRequestTimeout(t *testing.T) {
	var gold []evaluation.GoldLabel
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("q%d", i)
		gold = append(gold, evaluation.GoldLabel{
			QueryID:   text,
			QueryText: text,
			Relevant:  []evaluation.RelevantChunk{{ID: text + "#0", Grade: evaluation.GradeRelevant}},
		})
	}
	svc := service.NewRetrievalService(&slowPipeline{delay: 40 * time.Millisecond},
		service.WithGoldLabels(gold),
		service.WithEvaluationOptions(evaluation.Options{Concurrency: 1}),
	)
	s, err := NewHTTPServer(HTTPServerConfig{RequestTimeout: 100 * time.Millisecond}, svc)
	require.NoError(t, err)

	// ten sequential queries take about 400ms, four times the request timeout
	rec := do(t, s.Handler(), http.MethodPost, "/v1/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report evaluation.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 10, report.Aggregate.Evaluated)
	assert.Zero(t, report.Aggregate.Failed)
	assert.InDelta(t, 1.0, report.Aggregate.MRR, 1e-9)
}

func TestHTTP_RetrieveKeepsRequestTimeout(t *testing.T) {
	svc := service.NewRetrievalService(&slowPipeline{delay: time.Second})
	s, err := NewHTTPServer(HTTPServerConfig{RequestTimeout: 20 * time.Millisecond}, svc)
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/retrieve", `{"query":"egress"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
