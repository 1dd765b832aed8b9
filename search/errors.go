package search

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrIndexEmpty is returned by Search when no index is loaded or
	// the loaded index holds no records.
	ErrIndexEmpty = errors.New("embedding index is empty")

	// ErrEmbedding wraps a failed query-embedding call. Without the
	// query vector there are no candidates, so the whole search fails.
	ErrEmbedding = errors.New("query embedding failed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
// Mismatched vectors are rejected outright, never truncated or padded.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrZeroVector indicates a record whose vector cannot be normalized.
type ErrZeroVector struct {
	ID string
}

func (e *ErrZeroVector) Error() string {
	return fmt.Sprintf("record %q has a zero-norm vector", e.ID)
}

// ErrLogitShape indicates a reranker model producing an output shape
// the score conversion does not know. Surfaced as a configuration
// problem instead of silently propagating an unconverted value.
type ErrLogitShape struct {
	N int
}

func (e *ErrLogitShape) Error() string {
	return fmt.Sprintf("unexpected reranker output shape: %d values", e.N)
}
