package search

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Record is one passage in the embedding index.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]interface{}
}

// recordJSON is the persisted line format: a JSON object per line with
// id, vector and metadata; the passage text lives at metadata.text.
type recordJSON struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Candidate is a first-stage retrieval result ranked by vector
// similarity alone.
type Candidate struct {
	ID         string
	Text       string
	Similarity float32
	Metadata   map[string]interface{}
}

// Index is an immutable nearest-neighbor index over passage vectors.
//
// Convention: every stored vector is L2-normalized at ingestion and
// every query vector is normalized at query time, so scoring is a
// plain dot product and equals cosine similarity. The index is
// read-only after construction and safe for concurrent queries.
type Index struct {
	dim     int
	records []Record
}

// NewIndex builds an index from records. All vectors must share one
// dimensionality; each is normalized in place of a copy held by the
// index. Insertion order is preserved for stable tie-breaking.
func NewIndex(records []Record) (*Index, error) {
	if len(records) == 0 {
		return &Index{}, nil
	}

	dim := len(records[0].Vector)
	if dim == 0 {
		return nil, &ErrZeroVector{ID: records[0].ID}
	}

	out := make([]Record, len(records))
	for i, rec := range records {
		if len(rec.Vector) != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(rec.Vector)}
		}
		vec, ok := normalize(rec.Vector)
		if !ok {
			return nil, &ErrZeroVector{ID: rec.ID}
		}
		out[i] = Record{
			ID:       rec.ID,
			Text:     rec.Text,
			Vector:   vec,
			Metadata: rec.Metadata,
		}
	}

	return &Index{dim: dim, records: out}, nil
}

// LoadIndex reads line-delimited JSON records. Blank lines are
// skipped; a malformed line is a load error, not a skip, since a
// partially loaded corpus would silently return wrong results.
func LoadIndex(r io.Reader) (*Index, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec recordJSON
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("index line %d: %w", lineNo, err)
		}
		text, _ := rec.Metadata["text"].(string)
		records = append(records, Record{
			ID:       rec.ID,
			Text:     text,
			Vector:   rec.Vector,
			Metadata: rec.Metadata,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	return NewIndex(records)
}

// LoadIndexFile loads an index from a JSONL file on disk.
func LoadIndexFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	return LoadIndex(f)
}

// Len returns the record count.
func (x *Index) Len() int {
	return len(x.records)
}

// Dimension returns the vector dimensionality fixed at load time.
func (x *Index) Dimension() int {
	return x.dim
}

// Query returns the k records most similar to vector, in descending
// similarity order; ties keep insertion order. If the index holds
// fewer than k records all of them are returned.
func (x *Index) Query(vector []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(x.records) == 0 {
		return nil, nil
	}
	if len(vector) != x.dim {
		return nil, &ErrDimensionMismatch{Expected: x.dim, Actual: len(vector)}
	}

	query, ok := normalize(vector)
	if !ok {
		return nil, &ErrZeroVector{ID: "query"}
	}

	candidates := make([]Candidate, len(x.records))
	for i, rec := range x.records {
		candidates[i] = Candidate{
			ID:         rec.ID,
			Text:       rec.Text,
			Similarity: dot(query, rec.Vector),
			Metadata:   rec.Metadata,
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// normalize returns a unit-length copy of v, or false for a zero norm.
func normalize(v []float32) ([]float32, bool) {
	var norm2 float64
	for _, s := range v {
		norm2 += float64(s) * float64(s)
	}
	if norm2 == 0 {
		return nil, false
	}
	inv := float32(1 / math.Sqrt(norm2))
	out := make([]float32, len(v))
	for i, s := range v {
		out[i] = s * inv
	}
	return out, true
}
