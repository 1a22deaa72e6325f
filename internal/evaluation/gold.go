package evaluation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Grade is the graded relevance of a chunk for a query.
type Grade int

const (
	GradePartial  Grade = 1
	GradeRelevant Grade = 2
)

func (g Grade) String() string {
	switch g {
	case GradeRelevant:
		return "relevant"
	case GradePartial:
		return "partial"
	default:
		return strconv.Itoa(int(g))
	}
}

func parseGrade(s string) (Grade, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "relevant":
		return GradeRelevant, nil
	case "partial", "partially_relevant", "partially relevant":
		return GradePartial, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown grade %q", s)
	}
	return gradeFromInt(n)
}

func gradeFromInt(n int) (Grade, error) {
	if n < int(GradePartial) || n > int(GradeRelevant) {
		return 0, fmt.Errorf("grade %d out of range [1, 2]", n)
	}
	return Grade(n), nil
}

func (g *Grade) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseGrade(s)
		if err != nil {
			return err
		}
		*g = v
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("grade must be a string or integer: %w", err)
	}
	v, err := gradeFromInt(n)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

func (g Grade) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *Grade) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseGrade(node.Value)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// RelevantChunk is one labelled chunk. In a fixture it is either a bare
// chunk id (graded relevant) or an object {"id": ..., "grade": ...}.
type RelevantChunk struct {
	ID    string `json:"id" yaml:"id"`
	Grade Grade  `json:"grade" yaml:"grade"`
}

type relevantChunkObject struct {
	ID    string `json:"id" yaml:"id"`
	Grade *Grade `json:"grade" yaml:"grade"`
}

func (r *RelevantChunk) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = RelevantChunk{ID: id, Grade: GradeRelevant}
		return nil
	}
	var obj relevantChunkObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = RelevantChunk{ID: obj.ID, Grade: GradeRelevant}
	if obj.Grade != nil {
		r.Grade = *obj.Grade
	}
	return nil
}

func (r *RelevantChunk) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = RelevantChunk{ID: node.Value, Grade: GradeRelevant}
		return nil
	}
	var obj relevantChunkObject
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*r = RelevantChunk{ID: obj.ID, Grade: GradeRelevant}
	if obj.Grade != nil {
		r.Grade = *obj.Grade
	}
	return nil
}

// GoldLabel maps a query to the chunks judged relevant for it.
type GoldLabel struct {
	QueryID   string          `json:"query_id" yaml:"query_id"`
	QueryText string          `json:"query_text" yaml:"query_text"`
	Relevant  []RelevantChunk `json:"relevant_chunk_ids" yaml:"relevant_chunk_ids"`
}

// goldRecord accepts the relevant_ids spelling as well.
type goldRecord struct {
	GoldLabel   `yaml:",inline"`
	RelevantIDs []RelevantChunk `json:"relevant_ids" yaml:"relevant_ids"`
}

func (rec goldRecord) label() GoldLabel {
	l := rec.GoldLabel
	l.Relevant = append(l.Relevant, rec.RelevantIDs...)
	return l
}

// Judgements returns the graded relevant set. A chunk listed twice keeps its
// highest grade.
func (l GoldLabel) Judgements() map[string]Grade {
	out := make(map[string]Grade, len(l.Relevant))
	for _, r := range l.Relevant {
		if r.ID == "" {
			continue
		}
		if g, ok := out[r.ID]; !ok || r.Grade > g {
			out[r.ID] = r.Grade
		}
	}
	return out
}

// goldFile is the YAML fixture layout.
type goldFile struct {
	Name    string       `yaml:"name"`
	Queries []goldRecord `yaml:"queries"`
}

// LoadGoldLabels reads a gold-label fixture. Files ending in .yaml or .yml
// are parsed as YAML with a top-level "queries" list; anything else is read
// as JSON lines, one label per line.
func LoadGoldLabels(path string) ([]GoldLabel, error) {
	if path == "" {
		return nil, fmt.Errorf("gold label path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gold labels: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadGoldYAML(f)
	default:
		return ReadGoldJSONL(f)
	}
}

// ReadGoldJSONL parses JSON-lines gold labels. Blank lines and lines
// starting with '#' are skipped.
func ReadGoldJSONL(r io.Reader) ([]GoldLabel, error) {
	var labels []GoldLabel
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var rec goldRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		labels = append(labels, rec.label())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gold labels: %w", err)
	}
	return labels, validateLabels(labels)
}

// ReadGoldYAML parses a YAML gold-label fixture.
func ReadGoldYAML(r io.Reader) ([]GoldLabel, error) {
	var file goldFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse gold labels: %w", err)
	}
	labels := make([]GoldLabel, 0, len(file.Queries))
	for _, rec := range file.Queries {
		labels = append(labels, rec.label())
	}
	return labels, validateLabels(labels)
}

func validateLabels(labels []GoldLabel) error {
	if len(labels) == 0 {
		return fmt.Errorf("gold label set has no queries")
	}
	seen := make(map[string]struct{}, len(labels))
	for i, l := range labels {
		if l.QueryID == "" {
			return fmt.Errorf("gold label %d missing query_id", i)
		}
		if strings.TrimSpace(l.QueryText) == "" {
			return fmt.Errorf("gold label %q missing query_text", l.QueryID)
		}
		if _, dup := seen[l.QueryID]; dup {
			return fmt.Errorf("duplicate query_id %q", l.QueryID)
		}
		seen[l.QueryID] = struct{}{}
	}
	return nil
}
