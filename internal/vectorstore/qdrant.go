package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultCollection is the collection the cloud-cost corpus is indexed into.
	DefaultCollection = "cloud_cost_optimization"

	payloadChunkID    = "chunk_id"
	payloadDocumentID = "document_id"
	payloadContent    = "content"

	facetLimit = 10000
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return NewQdrantStoreWithClient(client, collection), nil
}

// NewQdrantStoreWithClient wraps an existing client; the store closes it.
func NewQdrantStoreWithClient(client *qdrant.Client, collection string) *QdrantStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &QdrantStore{client: client, collection: collection}
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) Type() string { return "qdrant" }

// EnsureCollection creates the collection with cosine distance and keyword
// indexes on the fields Stats facets over.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: failed to check collection existence: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{payloadDocumentID, MetaSource, MetaProvider, MetaRunID} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}

	return nil
}

// pointID maps a chunk id onto the UUID space Qdrant requires.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// Upsert inserts or updates chunks in one request
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]*qdrant.Value{
			payloadChunkID:    qdrant.NewValueString(chunk.ID),
			payloadDocumentID: qdrant.NewValueString(chunk.DocumentID),
			payloadContent:    qdrant.NewValueString(chunk.Content),
		}
		for k, v := range chunk.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(chunk.ID)),
			Vectors: qdrant.NewVectors(chunk.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// DeleteStale deletes, by payload filter, points of documentIDs whose run id
// differs from runID.
func (s *QdrantStore) DeleteStale(ctx context.Context, documentIDs []string, runID string) error {
	if len(documentIDs) == 0 {
		return nil
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must:    []*qdrant.Condition{qdrant.NewMatchKeywords(payloadDocumentID, documentIDs...)},
			MustNot: []*qdrant.Condition{qdrant.NewMatchKeyword(MetaRunID, runID)},
		}),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to delete stale points: %w", err)
	}
	return nil
}

// Search performs similarity search
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	if err := validateVector(vector, 0); err != nil {
		return nil, err
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			// Collection not built yet: an empty corpus.
			return []SearchResult{}, nil
		case codes.InvalidArgument:
			return nil, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
		case codes.Canceled, codes.DeadlineExceeded:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("%w: failed to search: %v", ErrUnavailable, err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			ID:       point.Id.GetUuid(),
			Score:    point.Score,
			Metadata: make(map[string]string),
		}

		for k, v := range point.Payload {
			switch k {
			case payloadChunkID:
				result.ID = v.GetStringValue()
			case payloadDocumentID:
				result.DocumentID = v.GetStringValue()
			case payloadContent:
				result.Content = v.GetStringValue()
			default:
				result.Metadata[k] = v.GetStringValue()
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// Stats counts points exactly and facets on document, source and provider.
func (s *QdrantStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		BySource:   make(map[string]int),
		ByProvider: make(map[string]int),
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check collection existence: %v", ErrUnavailable, err)
	}
	if !exists {
		return stats, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get collection info: %v", ErrUnavailable, err)
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		stats.Dimension = int(params.GetSize())
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count points: %v", ErrUnavailable, err)
	}
	stats.Chunks = int(count)

	docs, err := s.facet(ctx, payloadDocumentID)
	if err != nil {
		return nil, err
	}
	stats.Documents = len(docs)

	if stats.BySource, err = s.facet(ctx, MetaSource); err != nil {
		return nil, err
	}
	if stats.ByProvider, err = s.facet(ctx, MetaProvider); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *QdrantStore) facet(ctx context.Context, key string) (map[string]int, error) {
	hits, err := s.client.Facet(ctx, &qdrant.FacetCounts{
		CollectionName: s.collection,
		Key:            key,
		Limit:          qdrant.PtrOf(uint64(facetLimit)),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to facet on %s: %w", key, err)
	}

	counts := make(map[string]int, len(hits))
	for _, hit := range hits {
		counts[hit.GetValue().GetStringValue()] = int(hit.GetCount())
	}
	return counts, nil
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
