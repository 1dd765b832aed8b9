package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// stubScorer returns canned logits keyed by candidate text.
type stubScorer struct {
	logits map[string][]float32
	errs   map[string]error
	closed bool
}

func (s *stubScorer) Score(_ context.Context, _, text string) ([]float32, error) {
	if err, ok := s.errs[text]; ok {
		return nil, err
	}
	return s.logits[text], nil
}

func (s *stubScorer) Close() error {
	s.closed = true
	return nil
}

func loadedReranker(t *testing.T, scorer PairScorer) *Reranker {
	t.Helper()
	r := NewReranker(func(string) (PairScorer, error) { return scorer, nil }, testLogger())
	require.NoError(t, r.Load("test-model"))
	return r
}

func TestNormalizeLogitsSingleValue(t *testing.T) {
	p, err := normalizeLogits([]float32{2.0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-2.0)), p, 1e-4)
	assert.InDelta(t, 0.8808, p, 1e-4)
}

func TestNormalizeLogitsTwoClass(t *testing.T) {
	p, err := normalizeLogits([]float32{1.0, 3.0})
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(3)/(math.Exp(1)+math.Exp(3)), p, 1e-4)
	assert.InDelta(t, 0.8808, p, 1e-4)
}

func TestNormalizeLogitsUnexpectedShape(t *testing.T) {
	_, err := normalizeLogits([]float32{1, 2, 3})
	var shape *ErrLogitShape
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, 3, shape.N)

	_, err = normalizeLogits(nil)
	require.ErrorAs(t, err, &shape)
}

func TestNormalizeLogitsClampsNonFinite(t *testing.T) {
	// Two huge logits overflow both exponentials to +Inf; the ratio is
	// NaN and must clamp to zero rather than escape.
	p, err := normalizeLogits([]float32{10000, 10000})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)
}

func candidates(texts ...string) []Candidate {
	out := make([]Candidate, len(texts))
	for i, text := range texts {
		out[i] = Candidate{
			ID:         text,
			Text:       text,
			Similarity: float32(len(texts)-i) * 0.1,
		}
	}
	return out
}

func TestRerankDegradedPassthrough(t *testing.T) {
	r := NewReranker(func(string) (PairScorer, error) {
		t.Fatal("factory must not run without Load")
		return nil, nil
	}, testLogger())

	in := candidates("a", "b", "c", "d")
	ranking := r.Rerank(context.Background(), "q", in, 3)

	assert.True(t, ranking.Degraded)
	require.Len(t, ranking.Results, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, ranking.Results[i].Candidate.ID, "order must be unchanged")
	}
}

func TestRerankOrdersByRefinedScore(t *testing.T) {
	scorer := &stubScorer{logits: map[string][]float32{
		"a": {-2.0}, // ~0.12
		"b": {3.0},  // ~0.95
		"c": {0.0},  // 0.5
	}}
	r := loadedReranker(t, scorer)

	ranking := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 3)
	require.False(t, ranking.Degraded)
	require.Len(t, ranking.Results, 3)

	assert.Equal(t, "b", ranking.Results[0].Candidate.ID)
	assert.Equal(t, "c", ranking.Results[1].Candidate.ID)
	assert.Equal(t, "a", ranking.Results[2].Candidate.ID)

	// Original first-stage similarity is retained for diagnostics.
	assert.Equal(t, float32(0.2), ranking.Results[0].OriginalScore)
}

func TestRerankIsolatesCandidateFailure(t *testing.T) {
	scorer := &stubScorer{
		logits: map[string][]float32{
			"c1": {1.0}, "c2": {1.0}, "c4": {1.0}, "c5": {1.0},
		},
		errs: map[string]error{
			"c3": errors.New("transient model error"),
		},
	}
	r := loadedReranker(t, scorer)

	ranking := r.Rerank(context.Background(), "q", candidates("c1", "c2", "c3", "c4", "c5"), 5)
	require.Len(t, ranking.Results, 5, "a failing candidate must not abort the batch")

	byID := map[string]float64{}
	for _, res := range ranking.Results {
		byID[res.Candidate.ID] = res.Score
	}
	assert.Equal(t, 0.0, byID["c3"], "failed candidate scores exactly zero")
	for _, id := range []string{"c1", "c2", "c4", "c5"} {
		assert.InDelta(t, 1/(1+math.Exp(-1)), byID[id], 1e-6)
	}
}

func TestRerankTruncatesToTopK(t *testing.T) {
	scorer := &stubScorer{logits: map[string][]float32{
		"a": {1.0}, "b": {2.0}, "c": {3.0},
	}}
	r := loadedReranker(t, scorer)

	ranking := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	require.Len(t, ranking.Results, 2)
	assert.Equal(t, "c", ranking.Results[0].Candidate.ID)
	assert.Equal(t, "b", ranking.Results[1].Candidate.ID)
}

func TestRerankEmptyInput(t *testing.T) {
	r := loadedReranker(t, &stubScorer{})
	ranking := r.Rerank(context.Background(), "q", nil, 5)
	assert.Empty(t, ranking.Results)
	assert.False(t, ranking.Degraded)
}

func TestLoadSameModelIsIdempotent(t *testing.T) {
	var builds atomic.Int32
	r := NewReranker(func(string) (PairScorer, error) {
		builds.Add(1)
		return &stubScorer{}, nil
	}, testLogger())

	require.NoError(t, r.Load("m1"))
	require.NoError(t, r.Load("m1"))
	require.NoError(t, r.Load("m1"))
	assert.Equal(t, int32(1), builds.Load())

	name, ok := r.Loaded()
	assert.True(t, ok)
	assert.Equal(t, "m1", name)
}

func TestLoadDifferentModelReplaces(t *testing.T) {
	first := &stubScorer{}
	second := &stubScorer{}
	scorers := map[string]*stubScorer{"m1": first, "m2": second}

	r := NewReranker(func(model string) (PairScorer, error) {
		return scorers[model], nil
	}, testLogger())

	require.NoError(t, r.Load("m1"))
	require.NoError(t, r.Load("m2"))

	assert.True(t, first.closed, "replaced scorer must be closed")
	name, _ := r.Loaded()
	assert.Equal(t, "m2", name)
}

func TestLoadDifferentModelsNeverOverlap(t *testing.T) {
	// Load-or-switch is serialized even across distinct model names:
	// at no point may two factory invocations run concurrently.
	var inFlight, maxInFlight atomic.Int32

	r := NewReranker(func(string) (PairScorer, error) {
		n := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if n <= max || maxInFlight.CompareAndSwap(max, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &stubScorer{}, nil
	}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Load(fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(),
		"factories for different models ran concurrently")
	_, ok := r.Loaded()
	assert.True(t, ok)
}

func TestLoadFailureLeavesRerankerDegraded(t *testing.T) {
	r := NewReranker(func(string) (PairScorer, error) {
		return nil, errors.New("missing model assets")
	}, testLogger())

	require.Error(t, r.Load("broken"))
	_, ok := r.Loaded()
	assert.False(t, ok)

	ranking := r.Rerank(context.Background(), "q", candidates("a"), 1)
	assert.True(t, ranking.Degraded)
}
