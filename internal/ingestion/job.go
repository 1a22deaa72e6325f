package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/costrag/internal/embedder"
	"github.com/knoguchi/costrag/internal/vectorstore"
	"golang.org/x/sync/errgroup"
)

// Metadata keys added by ingestion next to the corpus keys.
const (
	MetaContentHash = "content_hash"
	MetaChunkIndex  = "chunk_index"
	MetaRunID       = vectorstore.MetaRunID
)

// Document is one line of the JSONL input.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source"`
	Provider string            `json:"provider"`
	URL      string            `json:"url,omitempty"`
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UnmarshalJSON also accepts "content" for the text and "page_content" as
// written by the scraper that produced the corpus.
func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	var raw struct {
		plain
		Content     string `json:"content"`
		PageContent string `json:"page_content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document(raw.plain)
	if d.Text == "" {
		d.Text = raw.Content
	}
	if d.Text == "" {
		d.Text = raw.PageContent
	}
	// source/provider/url may live only in metadata
	if d.Source == "" {
		d.Source = d.Metadata[vectorstore.MetaSource]
	}
	if d.Provider == "" {
		d.Provider = d.Metadata[vectorstore.MetaProvider]
	}
	if d.URL == "" {
		d.URL = d.Metadata[vectorstore.MetaURL]
	}
	return nil
}

// ReadDocuments parses JSONL documents. Documents without an id get the
// source as id; blank lines are skipped.
func ReadDocuments(r io.Reader) ([]Document, error) {
	var docs []Document
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if d.ID == "" {
			d.ID = d.Source
		}
		if d.ID == "" {
			return nil, fmt.Errorf("line %d: document has neither id nor source", line)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return docs, nil
}

// LoadDocuments reads a JSONL document file.
func LoadDocuments(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadDocuments(f)
}

// JobConfig configures an ingestion run.
type JobConfig struct {
	Chunker ChunkerConfig

	// BatchSize is the number of chunks embedded and upserted together.
	BatchSize int

	// Concurrency bounds the embedding calls in flight.
	Concurrency int

	Logger *slog.Logger

	// Progress is called after each batch is stored.
	Progress func(stored, total int)
}

// JobResult summarises an ingestion run.
type JobResult struct {
	RunID     string        `json:"run_id"`
	Documents int           `json:"documents"`
	Skipped   int           `json:"skipped"`
	Chunks    int           `json:"chunks"`
	Took      time.Duration `json:"took"`
}

// Job chunks documents, embeds the chunks and upserts them.
type Job struct {
	cfg     JobConfig
	chunker *Chunker
	embed   embedder.Embedder
	store   vectorstore.VectorStore
	logger  *slog.Logger
}

// NewJob creates an ingestion job.
func NewJob(cfg JobConfig, embed embedder.Embedder, store vectorstore.VectorStore) (*Job, error) {
	if embed == nil || store == nil {
		return nil, errors.New("embedder and vector store are required")
	}
	chunker, err := NewChunker(cfg.Chunker)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{cfg: cfg, chunker: chunker, embed: embed, store: store, logger: logger}, nil
}

// Chunks splits docs into store chunks without vectors. Chunk ids are
// "<document id>#<index>", so re-ingesting a document overwrites its chunks
// in place; Run removes the ones a shorter version no longer produces.
func (j *Job) Chunks(runID string, docs []Document) ([]vectorstore.Chunk, int) {
	var (
		out     []vectorstore.Chunk
		skipped int
	)
	for _, d := range docs {
		segments := j.chunker.Split(d.Text)
		if len(segments) == 0 {
			skipped++
			continue
		}
		hash := contentHash(d.Text)
		for _, s := range segments {
			meta := make(map[string]string, len(d.Metadata)+7)
			for k, v := range d.Metadata {
				meta[k] = v
			}
			meta[vectorstore.MetaSource] = d.Source
			meta[vectorstore.MetaProvider] = d.Provider
			if d.URL != "" {
				meta[vectorstore.MetaURL] = d.URL
			}
			if d.Title != "" {
				meta[vectorstore.MetaTitle] = d.Title
			}
			meta[MetaContentHash] = hash
			meta[MetaChunkIndex] = fmt.Sprint(s.Index)
			meta[MetaRunID] = runID

			out = append(out, vectorstore.Chunk{
				ID:         fmt.Sprintf("%s#%d", d.ID, s.Index),
				DocumentID: d.ID,
				Content:    s.Text,
				Metadata:   meta,
			})
		}
	}
	return out, skipped
}

// Run ingests docs. Batches are embedded concurrently and upserted as they
// complete; a failure stops the run and leaves earlier batches stored. Once
// every batch is stored, chunks of the ingested documents written by earlier
// runs are deleted.
func (j *Job) Run(ctx context.Context, docs []Document) (*JobResult, error) {
	start := time.Now()
	runID := uuid.NewString()

	chunks, skipped := j.Chunks(runID, docs)
	result := &JobResult{RunID: runID, Documents: len(docs) - skipped, Skipped: skipped}
	j.logger.Info("chunked documents",
		"run_id", runID,
		"documents", len(docs),
		"skipped", skipped,
		"chunks", len(chunks),
		"method", j.chunker.Config().Method,
	)
	if len(chunks) == 0 {
		result.Took = time.Since(start)
		return result, nil
	}

	if err := j.store.EnsureCollection(ctx, j.embed.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare collection: %w", err)
	}

	var batches [][]vectorstore.Chunk
	for i := 0; i < len(chunks); i += j.cfg.BatchSize {
		batches = append(batches, chunks[i:min(i+j.cfg.BatchSize, len(chunks))])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Concurrency)
	stored := make(chan int, len(batches))
	for i, batch := range batches {
		g.Go(func() error {
			if err := j.embedBatch(gctx, batch); err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			if err := j.store.Upsert(gctx, batch); err != nil {
				return fmt.Errorf("batch %d: failed to upsert: %w", i, err)
			}
			stored <- len(batch)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(stored)
	}()
	for n := range stored {
		result.Chunks += n
		if j.cfg.Progress != nil {
			j.cfg.Progress(result.Chunks, len(chunks))
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}

	if err := j.store.DeleteStale(ctx, documentIDs(chunks), runID); err != nil {
		return nil, fmt.Errorf("failed to delete stale chunks: %w", err)
	}

	result.Took = time.Since(start)
	j.logger.Info("ingestion complete",
		"run_id", runID,
		"chunks", result.Chunks,
		"duration", result.Took,
	)
	return result, nil
}

func (j *Job) embedBatch(ctx context.Context, batch []vectorstore.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}
	vectors, err := j.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	for i := range batch {
		batch[i].Vector = vectors[i]
	}
	return nil
}

func documentIDs(chunks []vectorstore.Chunk) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		ids = append(ids, c.DocumentID)
	}
	return ids
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
