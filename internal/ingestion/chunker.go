// Package ingestion turns source documents into embedded chunks in a vector
// store. It runs as a batch job, outside the retrieval path.
package ingestion

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunking methods.
const (
	MethodFixed    = "fixed"
	MethodSentence = "sentence"
)

// ChunkerConfig sizes chunks in words.
type ChunkerConfig struct {
	Method       string `yaml:"method"`
	TargetWords  int    `yaml:"target_words"`
	MaxWords     int    `yaml:"max_words"`
	OverlapWords int    `yaml:"overlap_words"`
}

// DefaultChunkerConfig approximates the 1000 character windows with 200
// characters of overlap the corpus was originally split with.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Method:       MethodFixed,
		TargetWords:  180,
		MaxWords:     360,
		OverlapWords: 36,
	}
}

// Segment is one piece of a document before it is embedded.
type Segment struct {
	Text  string
	Index int
	Words int
}

// Chunker splits document text into overlapping segments.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker validates cfg and fills unset sizes from DefaultChunkerConfig.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	def := DefaultChunkerConfig()
	if cfg.Method == "" {
		cfg.Method = def.Method
	}
	if cfg.TargetWords <= 0 {
		cfg.TargetWords = def.TargetWords
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 2 * cfg.TargetWords
	}

	switch {
	case cfg.Method != MethodFixed && cfg.Method != MethodSentence:
		return nil, fmt.Errorf("unknown chunking method %q", cfg.Method)
	case cfg.MaxWords < cfg.TargetWords:
		return nil, fmt.Errorf("max_words (%d) must be at least target_words (%d)", cfg.MaxWords, cfg.TargetWords)
	case cfg.OverlapWords < 0 || cfg.OverlapWords >= cfg.TargetWords:
		return nil, fmt.Errorf("overlap_words must be in [0, %d), got %d", cfg.TargetWords, cfg.OverlapWords)
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkerConfig { return c.cfg }

// Split chunks text. Blank text yields no segments.
func (c *Chunker) Split(text string) []Segment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var pieces [][]string
	if c.cfg.Method == MethodSentence {
		pieces = c.bySentence(text)
	} else {
		pieces = c.windows(words)
	}

	out := make([]Segment, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, Segment{Text: strings.Join(p, " "), Index: len(out), Words: len(p)})
	}
	return out
}

// windows cuts words into TargetWords windows that share OverlapWords.
func (c *Chunker) windows(words []string) [][]string {
	step := c.cfg.TargetWords - c.cfg.OverlapWords
	var out [][]string
	for start := 0; start < len(words); start += step {
		end := min(start+c.cfg.TargetWords, len(words))
		out = append(out, words[start:end])
		if end == len(words) {
			break
		}
	}
	return out
}

// bySentence packs whole sentences up to TargetWords, carrying trailing
// sentences worth OverlapWords into the next chunk. A sentence longer than
// MaxWords falls back to word windows.
func (c *Chunker) bySentence(text string) [][]string {
	var (
		out   [][]string
		cur   [][]string // words per sentence in the open chunk
		size  int
		fresh bool // cur holds more than carried overlap
	)
	flush := func() {
		if !fresh {
			cur, size = nil, 0
			return
		}
		var words []string
		for _, s := range cur {
			words = append(words, s...)
		}
		out = append(out, words)
		cur, size = c.carry(cur)
		fresh = false
	}

	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		if len(words) > c.cfg.MaxWords {
			flush()
			cur, size = nil, 0
			out = append(out, c.windows(words)...)
			continue
		}
		if size+len(words) > c.cfg.MaxWords {
			flush()
			if size+len(words) > c.cfg.MaxWords {
				cur, size = nil, 0
			}
		}
		cur = append(cur, words)
		size += len(words)
		fresh = true
		if size >= c.cfg.TargetWords {
			flush()
		}
	}
	flush()
	return out
}

// carry keeps the trailing sentences of a flushed chunk for overlap.
func (c *Chunker) carry(sentences [][]string) ([][]string, int) {
	if c.cfg.OverlapWords == 0 {
		return nil, 0
	}
	n := 0
	i := len(sentences)
	for i > 0 && n < c.cfg.OverlapWords {
		i--
		n += len(sentences[i])
	}
	// never carry the whole chunk, or the next one starts as a copy
	if i == 0 {
		if len(sentences) == 1 {
			return nil, 0
		}
		i = 1
		n -= len(sentences[0])
	}
	return append([][]string(nil), sentences[i:]...), n
}

// splitSentences breaks text on '.', '!' or '?' followed by whitespace,
// except after common abbreviations.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		s := strings.TrimSpace(string(runes[start : i+1]))
		if s == "" || endsWithAbbreviation(s) {
			continue
		}
		out = append(out, s)
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

var abbreviations = []string{
	"e.g.", "i.e.", "etc.", "vs.", "approx.", "inc.", "ltd.", "corp.", "no.", "dr.", "mr.", "ms.",
}

func endsWithAbbreviation(s string) bool {
	lower := strings.ToLower(s)
	for _, a := range abbreviations {
		if strings.HasSuffix(lower, " "+a) || lower == a {
			return true
		}
	}
	return false
}
