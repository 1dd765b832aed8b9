package search

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// PairScorer scores one (query, passage) pair and returns the model's
// raw output values.
type PairScorer interface {
	Score(ctx context.Context, query, text string) ([]float32, error)
	Close() error
}

// ScorerFactory builds a PairScorer for a model name. Construction is
// expensive (model load); the Reranker calls it lazily.
type ScorerFactory func(model string) (PairScorer, error)

// RankedResult is one reranked candidate. Score is the refined
// relevance probability; OriginalScore retains the first-stage vector
// similarity for diagnostics.
type RankedResult struct {
	Candidate     Candidate
	Score         float64
	OriginalScore float32
}

// Ranking is the output of one rerank call. Degraded marks the
// pass-through path taken when no model is loaded, so presentation can
// distinguish it from a full-confidence ranking.
type Ranking struct {
	Results  []RankedResult
	Degraded bool
}

// Reranker refines candidate rankings with a pairwise cross-encoder.
// The loaded model is explicit owned state rather than a global:
// load-or-switch operations are serialized, concurrent scoring uses
// whichever model snapshot it observed.
type Reranker struct {
	factory ScorerFactory
	logger  *log.Logger

	group  singleflight.Group
	loadMu sync.Mutex

	mu     sync.Mutex
	scorer PairScorer
	model  string
}

// NewReranker creates an unloaded reranker. Until Load succeeds,
// Rerank operates in degraded pass-through mode.
func NewReranker(factory ScorerFactory, logger *log.Logger) *Reranker {
	return &Reranker{factory: factory, logger: logger}
}

// Load makes model the active scorer. Loading the already-active model
// is a no-op; a different name replaces and closes the previous
// scorer. Concurrent loads of the same name are collapsed; loads of
// different names are serialized, so at most one factory runs at a
// time and switches apply in a definite order.
func (r *Reranker) Load(model string) error {
	_, err, _ := r.group.Do(model, func() (interface{}, error) {
		r.loadMu.Lock()
		defer r.loadMu.Unlock()

		r.mu.Lock()
		if r.model == model && r.scorer != nil {
			r.mu.Unlock()
			return nil, nil
		}
		r.mu.Unlock()

		scorer, err := r.factory(model)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		old := r.scorer
		r.scorer = scorer
		r.model = model
		r.mu.Unlock()

		if old != nil {
			old.Close()
		}
		r.logger.Info("reranker model loaded", "model", model)
		return nil, nil
	})
	return err
}

// Loaded reports the active model name, if any.
func (r *Reranker) Loaded() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model, r.scorer != nil
}

// Close releases the active scorer.
func (r *Reranker) Close() error {
	r.mu.Lock()
	scorer := r.scorer
	r.scorer = nil
	r.model = ""
	r.mu.Unlock()
	if scorer != nil {
		return scorer.Close()
	}
	return nil
}

// Rerank scores each candidate against the query and returns the topK
// by refined score. Candidates are scored one at a time; a failure on
// one candidate keeps it in the output with a zero score instead of
// aborting the batch. With no model loaded the input order passes
// through unchanged, truncated to topK, flagged Degraded.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) Ranking {
	r.mu.Lock()
	scorer := r.scorer
	r.mu.Unlock()

	if scorer == nil {
		return Ranking{Results: passthrough(candidates, topK), Degraded: true}
	}

	results := make([]RankedResult, len(candidates))
	for i, cand := range candidates {
		score := 0.0
		logits, err := scorer.Score(ctx, query, cand.Text)
		if err != nil {
			r.logger.Warn("candidate scoring failed", "id", cand.ID, "error", err)
		} else if score, err = normalizeLogits(logits); err != nil {
			r.logger.Warn("candidate score shape", "id", cand.ID, "error", err)
			score = 0
		}
		results[i] = RankedResult{
			Candidate:     cand,
			Score:         score,
			OriginalScore: cand.Similarity,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return Ranking{Results: results}
}

func passthrough(candidates []Candidate, topK int) []RankedResult {
	if topK < len(candidates) {
		candidates = candidates[:topK]
	}
	results := make([]RankedResult, len(candidates))
	for i, cand := range candidates {
		results[i] = RankedResult{
			Candidate:     cand,
			Score:         float64(cand.Similarity),
			OriginalScore: cand.Similarity,
		}
	}
	return results
}

// normalizeLogits converts raw model output into one relevance
// probability. One value is a logit put through the logistic function;
// two values are a two-class pair (index 1 relevant) put through
// softmax. Anything else is a configuration problem. Non-finite
// results clamp to zero.
func normalizeLogits(logits []float32) (float64, error) {
	var p float64
	switch len(logits) {
	case 1:
		p = 1 / (1 + math.Exp(-float64(logits[0])))
	case 2:
		e0 := math.Exp(float64(logits[0]))
		e1 := math.Exp(float64(logits[1]))
		p = e1 / (e0 + e1)
	default:
		return 0, &ErrLogitShape{N: len(logits)}
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, nil
	}
	return p, nil
}
