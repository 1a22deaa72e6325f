package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pgvector/pgvector-go"
)

// DefaultTable is the table chunks are stored in.
const DefaultTable = "cloud_cost_chunks"

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// isUndefinedTable reports whether err says the chunk table does not exist
// yet, i.e. nothing has been ingested.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

// PGVectorStore implements VectorStore on PostgreSQL with the pgvector extension.
type PGVectorStore struct {
	db        *sql.DB
	table     string
	dimension int
}

// PGVectorConfig configures the PostgreSQL store.
type PGVectorConfig struct {
	DSN       string
	Table     string
	Dimension int
}

// NewPGVectorStore opens a connection pool and verifies it with a ping.
func NewPGVectorStore(ctx context.Context, cfg PGVectorConfig) (*PGVectorStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrUnavailable, err)
	}
	return NewPGVectorStoreWithDB(db, cfg.Table, cfg.Dimension)
}

// NewPGVectorStoreWithDB wraps an existing *sql.DB.
func NewPGVectorStoreWithDB(db *sql.DB, table string, dimension int) (*PGVectorStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PGVectorStore{db: db, table: table, dimension: dimension}, nil
}

func (s *PGVectorStore) Type() string { return "pgvector" }

func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

// EnsureCollection creates the extension, table and HNSW index.
func (s *PGVectorStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	s.dimension = dimension

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, s.table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
	}
	return nil
}

// Upsert writes the batch in a single transaction.
func (s *PGVectorStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (id, document_id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, s.table)

	for _, c := range chunks {
		if err := validateVector(c.Vector, s.dimension); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		meta, err := json.Marshal(copyMetadata(c.Metadata))
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, c.ID, c.DocumentID, c.Content, meta, pgvector.NewVector(c.Vector)); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteStale removes, per document, the rows another run wrote. A missing
// table has nothing to delete.
func (s *PGVectorStore) DeleteStale(ctx context.Context, documentIDs []string, runID string) error {
	if len(documentIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`DELETE FROM %s
		WHERE document_id = $1 AND COALESCE(metadata->>'%s', '') <> $2`, s.table, MetaRunID)
	for _, id := range documentIDs {
		if _, err := tx.ExecContext(ctx, query, id, runID); err != nil {
			if isUndefinedTable(err) {
				return nil
			}
			return fmt.Errorf("failed to delete stale chunks of %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Search orders by cosine distance and reports 1 - distance as similarity.
func (s *PGVectorStore) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	if err := validateVector(vector, s.dimension); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, document_id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1, id
		LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if isUndefinedTable(err) {
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("%w: failed to search: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	results := make([]SearchResult, 0, limit)
	for rows.Next() {
		var (
			r    SearchResult
			meta []byte
			sim  float64
		)
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Content, &meta, &sim); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Metadata = make(map[string]string)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.ID, err)
			}
		}
		r.Score = float32(sim)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows error: %v", ErrUnavailable, err)
	}

	return results, nil
}

// Stats aggregates counts in SQL.
func (s *PGVectorStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Dimension:  s.dimension,
		BySource:   make(map[string]int),
		ByProvider: make(map[string]int),
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM %s`, s.table))
	if err := row.Scan(&stats.Chunks, &stats.Documents); err != nil {
		if isUndefinedTable(err) {
			return stats, nil
		}
		return nil, fmt.Errorf("%w: failed to count chunks: %v", ErrUnavailable, err)
	}

	if err := s.groupCount(ctx, MetaSource, stats.BySource); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, MetaProvider, stats.ByProvider); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PGVectorStore) groupCount(ctx context.Context, key string, dst map[string]int) error {
	query := fmt.Sprintf(`SELECT metadata->>$1 AS k, COUNT(*) FROM %s WHERE metadata ? $1 GROUP BY k`, s.table)
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to group by %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", key, err)
		}
		dst[k] = n
	}
	return rows.Err()
}

var _ VectorStore = (*PGVectorStore)(nil)
