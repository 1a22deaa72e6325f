// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Metadata keys carried by every chunk of the cloud-cost corpus.
const (
	MetaSource   = "source"
	MetaProvider = "provider"
	MetaURL      = "url"
	MetaTitle    = "title"

	// MetaRunID names the ingestion run that wrote a chunk.
	MetaRunID = "ingest_run_id"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrDimensionMismatch is returned when a vector does not match the
	// dimension the store was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Chunk represents a document chunk with its embedding
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Vector     []float32
	Metadata   map[string]string
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID         string
	DocumentID string
	Content    string
	Score      float32 // cosine similarity
	Metadata   map[string]string
}

// Stats summarises the indexed corpus.
type Stats struct {
	Documents  int
	Chunks     int
	Dimension  int
	BySource   map[string]int
	ByProvider map[string]int
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// EnsureCollection creates the backing collection or table if it does not exist.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or updates chunks. A batch becomes visible to readers
	// atomically: a concurrent Search sees all of it or none of it.
	Upsert(ctx context.Context, chunks []Chunk) error

	// DeleteStale removes chunks of the given documents whose MetaRunID is
	// not runID: what remains of an earlier, longer version of a document.
	DeleteStale(ctx context.Context, documentIDs []string, runID string) error

	// Search returns at most limit results ordered by descending similarity.
	// An empty corpus yields an empty slice and no error.
	Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error)

	// Stats reports corpus size and breakdowns.
	Stats(ctx context.Context) (*Stats, error)

	// Type names the backend ("qdrant", "pgvector", "memory").
	Type() string

	Close() error
}

// validateVector rejects vectors with the wrong dimension or non-finite values.
func validateVector(vector []float32, dimension int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if dimension > 0 && len(vector) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dimension, len(vector))
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector contains non-finite value at index %d", i)
		}
	}
	return nil
}

// copyMetadata creates a copy of metadata map
func copyMetadata(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
