package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// MemoryStore is an exact-search in-process store. Writers build a new
// snapshot and swap it in, so readers never observe a partial batch.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	chunks    []Chunk // immutable once published
	index     map[string]int
	closed    bool
}

// NewMemoryStore creates an empty in-memory store for vectors of the given dimension.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		index:     make(map[string]int),
	}
}

// EnsureCollection fixes the dimension if the store was created without one.
func (s *MemoryStore) EnsureCollection(_ context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension == 0 {
		s.dimension = dimension
		return nil
	}
	if s.dimension != dimension {
		return fmt.Errorf("%w: store has %d, requested %d", ErrDimensionMismatch, s.dimension, dimension)
	}
	return nil
}

// Upsert inserts or replaces chunks by ID. A store without a dimension
// adopts the first chunk's, so every stored vector has the same length.
func (s *MemoryStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrUnavailable
	}
	dimension := s.dimension
	if dimension == 0 {
		dimension = len(chunks[0].Vector)
	}
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
		if err := validateVector(c.Vector, dimension); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
	}

	next := make([]Chunk, len(s.chunks), len(s.chunks)+len(chunks))
	copy(next, s.chunks)
	index := make(map[string]int, len(s.index)+len(chunks))
	for k, v := range s.index {
		index[k] = v
	}

	for _, c := range chunks {
		stored := Chunk{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Vector:     append([]float32(nil), c.Vector...),
			Metadata:   copyMetadata(c.Metadata),
		}
		if i, ok := index[c.ID]; ok {
			next[i] = stored
			continue
		}
		index[c.ID] = len(next)
		next = append(next, stored)
	}

	s.dimension = dimension
	s.chunks = next
	s.index = index
	return nil
}

// DeleteStale drops chunks of documentIDs not written by runID in one swap.
func (s *MemoryStore) DeleteStale(ctx context.Context, documentIDs []string, runID string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	docs := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		docs[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	next := make([]Chunk, 0, len(s.chunks))
	index := make(map[string]int, len(s.index))
	for _, c := range s.chunks {
		if _, ok := docs[c.DocumentID]; ok && c.Metadata[MetaRunID] != runID {
			continue
		}
		index[c.ID] = len(next)
		next = append(next, c)
	}
	s.chunks = next
	s.index = index
	return nil
}

// Replace swaps the whole corpus in one step, for rebuilds.
func (s *MemoryStore) Replace(chunks []Chunk) error {
	fresh := NewMemoryStore(s.Dimension())
	if err := fresh.Upsert(context.Background(), chunks); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		s.dimension = fresh.dimension
	} else if fresh.dimension != s.dimension {
		return fmt.Errorf("%w: store has %d, replacement has %d", ErrDimensionMismatch, s.dimension, fresh.dimension)
	}
	s.chunks = fresh.chunks
	s.index = fresh.index
	return nil
}

// Search performs an exact cosine similarity scan.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrUnavailable
	}
	snapshot := s.chunks
	dimension := s.dimension
	s.mu.RUnlock()

	if err := validateVector(vector, dimension); err != nil {
		return nil, err
	}
	if limit <= 0 || len(snapshot) == 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(snapshot))
	for i, c := range snapshot {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		results = append(results, SearchResult{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Score:      cosine(vector, c.Vector),
			Metadata:   copyMetadata(c.Metadata),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats counts chunks, distinct documents and the source/provider breakdown.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrUnavailable
	}

	stats := &Stats{
		Chunks:     len(s.chunks),
		Dimension:  s.dimension,
		BySource:   make(map[string]int),
		ByProvider: make(map[string]int),
	}
	docs := make(map[string]struct{})
	for _, c := range s.chunks {
		docs[c.DocumentID] = struct{}{}
		if src := c.Metadata[MetaSource]; src != "" {
			stats.BySource[src]++
		}
		if p := c.Metadata[MetaProvider]; p != "" {
			stats.ByProvider[p]++
		}
	}
	stats.Documents = len(docs)
	return stats, nil
}

// Dimension returns the vector dimension, 0 if not yet fixed.
func (s *MemoryStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

func (s *MemoryStore) Type() string { return "memory" }

// Close marks the store unavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// snapshotRecord is one line of a JSONL corpus snapshot.
type snapshotRecord struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"embedding"`
	Metadata   map[string]string `json:"metadata"`
}

// LoadSnapshot replaces the corpus with the chunks in a JSONL snapshot file.
func (s *MemoryStore) LoadSnapshot(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var chunks []Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec snapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return 0, fmt.Errorf("snapshot line %d: %w", line, err)
		}
		chunks = append(chunks, Chunk{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			Content:    rec.Text,
			Vector:     rec.Embedding,
			Metadata:   rec.Metadata,
		})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if s.Dimension() == 0 && len(chunks) > 0 {
		if err := s.EnsureCollection(context.Background(), len(chunks[0].Vector)); err != nil {
			return 0, err
		}
	}
	if err := s.Replace(chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// WriteSnapshot writes the corpus as JSONL, the format LoadSnapshot reads.
func (s *MemoryStore) WriteSnapshot(path string) error {
	s.mu.RLock()
	snapshot := s.chunks
	s.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, c := range snapshot {
		if err := enc.Encode(snapshotRecord{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Content,
			Embedding:  c.Vector,
			Metadata:   c.Metadata,
		}); err != nil {
			f.Close()
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return f.Close()
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ VectorStore = (*MemoryStore)(nil)
