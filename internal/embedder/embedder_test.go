package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bogus"})
	assert.Error(t, err)
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	_, err := New(Config{Provider: "openai"})
	assert.Error(t, err)
}

func TestNewOllamaEmbedder_Defaults(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})
	assert.Equal(t, DefaultOllamaModel, e.ModelName())
	assert.Equal(t, 768, e.Dimension())

	e = NewOllamaEmbedder(OllamaConfig{Model: "all-minilm"})
	assert.Equal(t, 384, e.Dimension())
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.5, -0.25, float64(len(req.Prompt))}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL + "/"})
	vec, err := e.Embed(context.Background(), "spot")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 4}, vec)
}

func TestOllamaEmbedder_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaEmbedder_EmbedBatchKeepsOrder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{float64(len(req.Prompt))}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, BatchConcurrency: 2})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, int32(len(texts)), calls.Load())
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		// out of order on purpose; Index decides placement
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimension())
	assert.Equal(t, DefaultOpenAIModel, e.ModelName())

	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestHugotEmbedder_RequiresModelPath(t *testing.T) {
	_, err := NewHugotEmbedder(HugotConfig{})
	assert.Error(t, err)
}

func TestHugotEmbedder_LocalModel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping hugot test in short mode (requires an exported model)")
	}
	path := os.Getenv("HUGOT_MODEL_PATH")
	if path == "" {
		t.Skip("HUGOT_MODEL_PATH not set")
	}

	e, err := NewHugotEmbedder(HugotConfig{ModelPath: path})
	require.NoError(t, err)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"Spot instances", "Savings Plans"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], e.Dimension())
}
