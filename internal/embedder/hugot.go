package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// HugotConfig configures the local ONNX embedder.
type HugotConfig struct {
	// ModelPath is a directory holding an exported sentence-transformers model.
	ModelPath string
	Name      string
	Dimension int
}

// HugotEmbedder runs a feature-extraction pipeline in process with the pure
// Go backend, so no embedding service is needed.
type HugotEmbedder struct {
	mu        sync.Mutex // the pipeline is not safe for concurrent use
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	name      string
	dimension int
}

// NewHugotEmbedder loads the model at cfg.ModelPath.
func NewHugotEmbedder(cfg HugotConfig) (*HugotEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("hugot model path is required")
	}
	if cfg.Name == "" {
		cfg.Name = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DimensionFor(cfg.Name, 384)
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: cfg.ModelPath,
		Name:      "embedder-pipeline",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create feature extraction pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create feature extraction pipeline: %w", err)
	}

	return &HugotEmbedder{
		session:   session,
		pipeline:  pipeline,
		name:      cfg.Name,
		dimension: cfg.Dimension,
	}, nil
}

func (e *HugotEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *HugotEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

func (e *HugotEmbedder) Dimension() int { return e.dimension }

func (e *HugotEmbedder) ModelName() string { return e.name }

// Close releases the ONNX session.
func (e *HugotEmbedder) Close() error {
	return e.session.Destroy()
}

var _ Embedder = (*HugotEmbedder)(nil)
