package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/knoguchi/costrag/internal/retrieval"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "costrag.v1.RetrievalService"

// CodecName is the content subtype the service is served with
// (application/grpc+json).
const CodecName = "json"

// errorKindKey is the trailer carrying the retrieval error kind.
const errorKindKey = "costrag-error-kind"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the API structs as JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// RetrievalServiceServer is the server API of the gRPC service.
type RetrievalServiceServer interface {
	Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
}

// RegisterRetrievalServiceServer registers srv on s. Domain errors returned
// by srv are converted to gRPC status errors.
func RegisterRetrievalServiceServer(s grpc.ServiceRegistrar, srv RetrievalServiceServer) {
	s.RegisterService(&RetrievalServiceDesc, srv)
}

// RetrievalServiceDesc describes the gRPC service.
var RetrievalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RetrievalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Retrieve", Handler: retrieveHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "costrag/v1/retrieval.json",
}

func retrieveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RetrieveRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(RetrievalServiceServer).Retrieve(ctx, req.(*RetrieveRequest))
		return resp, toStatus(ctx, err)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Retrieve"}, call)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(RetrievalServiceServer).Stats(ctx, req.(*StatsRequest))
		return resp, toStatus(ctx, err)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Stats"}, call)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(RetrievalServiceServer).Evaluate(ctx, req.(*EvaluateRequest))
		return resp, toStatus(ctx, err)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Evaluate"}, call)
}

// Code maps a retrieval error kind to a gRPC code.
func Code(kind retrieval.Kind) codes.Code {
	switch kind {
	case retrieval.KindInvalidRequest:
		return codes.InvalidArgument
	case retrieval.KindEmbeddingFailure:
		return codes.Internal
	case retrieval.KindStoreUnavailable, retrieval.KindRerankerUnavailable:
		return codes.Unavailable
	case retrieval.KindTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}

// toStatus converts a domain error into a status error and records its kind
// in the trailer so clients can restore it.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := retrieval.KindOf(err)
	if kind == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = retrieval.KindTimeout
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		default:
			return status.Errorf(codes.Internal, "internal error: %v", err)
		}
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(errorKindKey, string(kind)))
	return status.Error(Code(kind), retrieval.ReasonOf(err))
}

// fromStatus restores a retrieval error from a status error and trailer.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return retrieval.NewError(retrieval.KindStoreUnavailable, "retrieval service call failed", err)
	}
	if kinds := trailer.Get(errorKindKey); len(kinds) > 0 {
		return retrieval.NewError(retrieval.Kind(kinds[0]), st.Message(), nil)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return retrieval.NewError(retrieval.KindInvalidRequest, st.Message(), nil)
	case codes.DeadlineExceeded, codes.Canceled:
		return retrieval.NewError(retrieval.KindTimeout, st.Message(), err)
	default:
		return retrieval.NewError(retrieval.KindStoreUnavailable, st.Message(), err)
	}
}

// RetrievalClient calls RetrievalService over a client connection.
type RetrievalClient struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewRetrievalClient wraps cc. The caller owns cc.
func NewRetrievalClient(cc grpc.ClientConnInterface) *RetrievalClient {
	return &RetrievalClient{cc: cc}
}

// DialRetrievalClient connects to the retrieval service at addr
// ("host:port"). Close releases the connection.
func DialRetrievalClient(addr string) (*RetrievalClient, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to retrieval service at %s: %w", addr, err)
	}
	return &RetrievalClient{cc: conn, conn: conn}, nil
}

// Close closes a connection opened by DialRetrievalClient.
func (c *RetrievalClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *RetrievalClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	var trailer metadata.MD
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer)}, opts...)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
	return fromStatus(err, trailer)
}

// Retrieve calls RetrievalService.Retrieve. Errors are *retrieval.Error.
func (c *RetrievalClient) Retrieve(ctx context.Context, in *RetrieveRequest, opts ...grpc.CallOption) (*RetrieveResponse, error) {
	out := new(RetrieveResponse)
	if err := c.invoke(ctx, "Retrieve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats calls RetrievalService.Stats.
func (c *RetrievalClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, "Stats", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate calls RetrievalService.Evaluate.
func (c *RetrievalClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	out := new(EvaluateResponse)
	if err := c.invoke(ctx, "Evaluate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoteRetriever adapts a RetrievalClient to evaluation.Retriever, so the
// evaluator can run against a deployed server.
type RemoteRetriever struct {
	client *RetrievalClient
}

// NewRemoteRetriever wraps client.
func NewRemoteRetriever(client *RetrievalClient) *RemoteRetriever {
	return &RemoteRetriever{client: client}
}

// Retrieve sends q to the server and converts the response back.
func (r *RemoteRetriever) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	topK := q.TopK
	rerank := !q.SkipRerank
	resp, err := r.client.Retrieve(ctx, &RetrieveRequest{
		Query:     q.Text,
		TopK:      &topK,
		Rerank:    &rerank,
		Providers: q.Providers,
	})
	if err != nil {
		return nil, err
	}

	out := &retrieval.Response{
		Results:        make([]retrieval.ScoredCandidate, 0, len(resp.Results)),
		Degraded:       resp.Degraded,
		DegradedReason: resp.DegradedReason,
		Took:           durationFromMs(resp.ProcessingTimeMs),
	}
	for _, res := range resp.Results {
		c := retrieval.ScoredCandidate{
			ChunkID:    res.ChunkID,
			DocumentID: res.DocumentID,
			Text:       res.Text,
			Source:     res.Source,
			Provider:   res.Provider,
			URL:        res.URL,
			Metadata:   res.Metadata,
			Similarity: res.Similarity,
			Score:      res.Score,
			Rank:       res.Rank,
		}
		if res.RerankScore != nil {
			c.RerankScore = *res.RerankScore
			c.Reranked = true
		}
		out.Results = append(out.Results, c)
	}
	return out, nil
}
