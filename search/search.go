package search

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// DefaultCandidateFactor sets how many first-stage candidates the
// reranker receives per requested result.
const DefaultCandidateFactor = 4

// Orchestrator composes candidate generation with reranking into one
// search call. The index is swappable atomically so a corpus rebuild
// never exposes a half-updated structure to concurrent queries.
type Orchestrator struct {
	index    atomic.Pointer[Index]
	embedder Embedder
	reranker *Reranker
	logger   *log.Logger

	// CandidateFactor scales topK into the first-stage pool size.
	CandidateFactor int
}

// NewOrchestrator wires the three stages together. index may be nil
// until SwapIndex provides one.
func NewOrchestrator(index *Index, embedder Embedder, reranker *Reranker, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		embedder:        embedder,
		reranker:        reranker,
		logger:          logger,
		CandidateFactor: DefaultCandidateFactor,
	}
	if index != nil {
		o.index.Store(index)
	}
	return o
}

// SwapIndex atomically replaces the whole index. In-flight queries
// finish against the structure they loaded.
func (o *Orchestrator) SwapIndex(index *Index) {
	o.index.Store(index)
}

// Index returns the current index, which may be nil.
func (o *Orchestrator) Index() *Index {
	return o.index.Load()
}

// Search embeds the query, fetches a candidate pool from the index and
// hands it to the reranker for final ordering to topK. An embedding
// failure fails the search; an unloaded reranker degrades to the
// embedding-only ranking, marked as such on the returned Ranking.
func (o *Orchestrator) Search(ctx context.Context, query string, topK int) (Ranking, error) {
	if topK <= 0 {
		return Ranking{}, ErrInvalidK
	}

	index := o.index.Load()
	if index == nil || index.Len() == 0 {
		return Ranking{}, ErrIndexEmpty
	}

	vector, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return Ranking{}, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	factor := o.CandidateFactor
	if factor < 1 {
		factor = 1
	}
	candidates, err := index.Query(vector, topK*factor)
	if err != nil {
		return Ranking{}, err
	}

	ranking := o.reranker.Rerank(ctx, query, candidates, topK)
	if ranking.Degraded {
		o.logger.Debug("reranker unavailable, returning similarity ranking", "query", query)
	}
	return ranking, nil
}
