package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Config selects and configures a backend.
type Config struct {
	Type      string // qdrant, pgvector or memory
	Dimension int

	QdrantURL        string
	QdrantCollection string

	DatabaseURL   string
	PGVectorTable string

	// MemorySnapshotPath is loaded at open when it exists.
	MemorySnapshotPath string
}

// Open connects to the backend named by cfg.Type. It does not create
// collections; ingestion calls EnsureCollection.
func Open(ctx context.Context, cfg Config) (VectorStore, error) {
	switch cfg.Type {
	case "qdrant", "":
		return NewQdrantStore(ctx, cfg.QdrantURL, cfg.QdrantCollection)
	case "pgvector":
		return NewPGVectorStore(ctx, PGVectorConfig{
			DSN:       cfg.DatabaseURL,
			Table:     cfg.PGVectorTable,
			Dimension: cfg.Dimension,
		})
	case "memory":
		store := NewMemoryStore(cfg.Dimension)
		if cfg.MemorySnapshotPath == "" {
			return store, nil
		}
		if _, err := store.LoadSnapshot(cfg.MemorySnapshotPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.Type)
	}
}
