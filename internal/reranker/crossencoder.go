package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultCrossEncoderModel is the MS MARCO cross-encoder the corpus was tuned with.
	DefaultCrossEncoderModel = "cross-encoder/ms-marco-MiniLM-L6-v2"

	// DefaultCrossEncoderURL is where a text-embeddings-inference server
	// hosting the model listens by default.
	DefaultCrossEncoderURL = "http://localhost:8081"
)

// CrossEncoderConfig configures the cross-encoder client.
type CrossEncoderConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// CrossEncoder calls a text-embeddings-inference compatible /rerank endpoint.
type CrossEncoder struct {
	baseURL string
	model   string
	client  *http.Client
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewCrossEncoder creates a cross-encoder client.
func NewCrossEncoder(cfg CrossEncoderConfig) *CrossEncoder {
	c := &CrossEncoder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultCrossEncoderURL
	}
	if c.model == "" {
		c.model = DefaultCrossEncoderModel
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.client = &http.Client{Timeout: timeout}
	}
	return c
}

func (c *CrossEncoder) Name() string { return c.model }

// Score sends all pairs in one request. The server scores each pair on its
// own and returns hits sorted by score; they are mapped back by index.
func (c *CrossEncoder) Score(ctx context.Context, query string, documents []string) ([]float32, error) {
	if len(documents) == 0 {
		return []float32{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Query:    query,
		Texts:    documents,
		Truncate: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cross-encoder error (status %d): %s", resp.StatusCode, string(msg))
	}

	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(hits) != len(documents) {
		return nil, fmt.Errorf("expected %d scores, got %d", len(documents), len(hits))
	}

	scores := make([]float32, len(documents))
	seen := make([]bool, len(documents))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(documents) || seen[h.Index] {
			return nil, fmt.Errorf("invalid score index %d", h.Index)
		}
		if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
			return nil, fmt.Errorf("non-finite score for index %d", h.Index)
		}
		seen[h.Index] = true
		scores[h.Index] = clamp01(float32(h.Score))
	}
	return scores, nil
}

var _ Model = (*CrossEncoder)(nil)
