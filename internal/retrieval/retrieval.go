// Package retrieval runs cosine nearest-neighbor search over stored
// question vectors. The store going away degrades to empty results:
// the answer ladder falls through instead of failing.
package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
)

// Scope selects which stored vectors a search considers. The zero
// value is the global scope.
type Scope struct {
	ModuleID string
}

// Global spans every stored vector across all modules.
var Global = Scope{}

// Match is one stored question at or above the similarity threshold.
type Match struct {
	QuestionID string
	ModuleID   string
	Similarity float64
}

// VectorSource loads candidate vectors for a scope. An empty module id
// means all of them.
type VectorSource interface {
	LoadVectors(ctx context.Context, moduleID string) ([]persistence.StoredVector, error)
}

type Retriever struct {
	source    VectorSource
	logger    *logging.Logger
	collector metrics.Collector
}

func New(source VectorSource, logger *logging.Logger, collector metrics.Collector) *Retriever {
	return &Retriever{source: source, logger: logger, collector: collector}
}

// Search returns the top-k matches at or above threshold, best first.
// Store failure is absorbed: logged, counted, empty result.
func (r *Retriever) Search(ctx context.Context, scope Scope, vector []float32, k int, threshold float64) ([]Match, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	candidates, err := r.source.LoadVectors(ctx, scope.ModuleID)
	if err != nil {
		r.logger.WithError(err).WithField("module_id", scope.ModuleID).Warn("vector store unavailable, returning empty result")
		r.collector.IncCounter(metrics.ProviderCalls, "provider", "vectorstore", "op", "search", "outcome", "unavailable")
		return nil, nil
	}

	matches := make([]Match, 0)
	for _, cand := range candidates {
		sim, ok := Cosine(vector, cand.Embedding)
		if !ok || sim < threshold {
			continue
		}
		matches = append(matches, Match{
			QuestionID: cand.QuestionID,
			ModuleID:   cand.ModuleID,
			Similarity: sim,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of two vectors. ok is false for
// mismatched dimensions or zero vectors, so a model switch cannot
// produce bogus scores.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
