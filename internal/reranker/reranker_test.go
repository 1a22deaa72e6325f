package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/knoguchi/costrag/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossEncoder_ScoreMapsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "how to cut egress cost", req.Query)
		assert.Len(t, req.Texts, 3)
		// sorted by score, as the server returns them
		json.NewEncoder(w).Encode([]rerankHit{{Index: 2, Score: 0.9}, {Index: 0, Score: 0.4}, {Index: 1, Score: 0.01}})
	}))
	defer srv.Close()

	ce := NewCrossEncoder(CrossEncoderConfig{BaseURL: srv.URL})
	scores, err := ce.Score(context.Background(), "how to cut egress cost", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.4, 0.01, 0.9}, scores, 1e-6)
	assert.Equal(t, DefaultCrossEncoderModel, ce.Name())
}

func TestCrossEncoder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "loading", http.StatusServiceUnavailable) }},
		{"short", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]rerankHit{{Index: 0, Score: 0.5}})
		}},
		{"duplicate index", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]rerankHit{{Index: 0, Score: 0.5}, {Index: 0, Score: 0.2}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewCrossEncoder(CrossEncoderConfig{BaseURL: srv.URL}).Score(context.Background(), "q", []string{"a", "b"})
			assert.Error(t, err)
		})
	}
}

func TestCrossEncoder_EmptyInput(t *testing.T) {
	scores, err := NewCrossEncoder(CrossEncoderConfig{BaseURL: "http://127.0.0.1:1"}).Score(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

// fakeLLM grades a passage by whether it contains the word "relevant".
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	fail    bool
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.fail {
		return "", errors.New("model offline")
	}
	passage := prompt[strings.Index(prompt, "Passage: "):strings.Index(prompt, "\n\nRate")]
	if strings.Contains(passage, "irrelevant") {
		return "```json\n{\"score\": 0.1}\n```", nil
	}
	if strings.Contains(passage, "relevant") {
		return `{"score": 1.7}`, nil
	}
	return `{"score": 0.5}`, nil
}

func TestLLMReranker_ScoresEachPassageSeparately(t *testing.T) {
	f := &fakeLLM{}
	r := NewLLMReranker(f, WithModel("llama3.2"), WithConcurrency(2))

	scores, err := r.Score(context.Background(), "q", []string{"relevant text", "other", "irrelevant text"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, 0.1}, scores)
	assert.Len(t, f.prompts, 3)
	for _, p := range f.prompts {
		assert.Equal(t, 1, strings.Count(p, "Passage: "))
	}
}

func TestLLMReranker_FailurePropagates(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{fail: true})
	_, err := r.Score(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in      string
		want    float32
		wantErr bool
	}{
		{`{"score": 0.42}`, 0.42, false},
		{"```\n{\"score\": -3}\n```", 0, false},
		{`{"relevance": 0.4}`, 0, true},
		{`not json`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseScore(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-6)
	}
}

func TestNew(t *testing.T) {
	m, err := New(Config{Provider: "crossencoder"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CrossEncoder{}, m)

	_, err = New(Config{Provider: "llm"}, nil)
	assert.Error(t, err)

	m, err = New(Config{Provider: "llm", Model: "mistral"}, &fakeLLM{})
	require.NoError(t, err)
	assert.Equal(t, "llm:mistral", m.Name())

	_, err = New(Config{Provider: "bogus"}, nil)
	assert.Error(t, err)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// "é" is two bytes; a cut at byte 2 would land inside it
	got := truncate("aéb", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("コスト", 1000)
	prompt := buildScorePrompt("egress", long)
	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, "...")
}
