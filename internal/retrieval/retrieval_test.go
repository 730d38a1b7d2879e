package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
)

type fakeSource struct {
	vectors []persistence.StoredVector
	err     error
	scoped  string
}

func (f *fakeSource) LoadVectors(_ context.Context, moduleID string) ([]persistence.StoredVector, error) {
	f.scoped = moduleID
	if f.err != nil {
		return nil, f.err
	}
	if moduleID == "" {
		return f.vectors, nil
	}
	ret := make([]persistence.StoredVector, 0)
	for _, v := range f.vectors {
		if v.ModuleID == moduleID {
			ret = append(ret, v)
		}
	}
	return ret, nil
}

func TestCosine(t *testing.T) {
	sim, ok := Cosine([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, ok = Cosine([]float32{1, 0}, []float32{0, 1})
	require.True(t, ok)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, ok = Cosine([]float32{1, 0}, []float32{1, 0, 0})
	assert.False(t, ok)

	_, ok = Cosine([]float32{0, 0}, []float32{1, 0})
	assert.False(t, ok)
}

func TestSearch_ThresholdAndRanking(t *testing.T) {
	source := &fakeSource{vectors: []persistence.StoredVector{
		{QuestionID: "exact", ModuleID: "m1", Embedding: []float32{1, 0}},
		{QuestionID: "close", ModuleID: "m1", Embedding: []float32{0.9, 0.1}},
		{QuestionID: "far", ModuleID: "m1", Embedding: []float32{0, 1}},
	}}
	r := New(source, logging.NewNop(), metrics.NewNop())

	matches, err := r.Search(context.Background(), Scope{ModuleID: "m1"}, []float32{1, 0}, 10, 0.85)
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].QuestionID)
	assert.Equal(t, "close", matches[1].QuestionID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearch_TopKLimit(t *testing.T) {
	source := &fakeSource{vectors: []persistence.StoredVector{
		{QuestionID: "a", Embedding: []float32{1, 0}},
		{QuestionID: "b", Embedding: []float32{1, 0.01}},
		{QuestionID: "c", Embedding: []float32{1, 0.02}},
	}}
	r := New(source, logging.NewNop(), metrics.NewNop())

	matches, err := r.Search(context.Background(), Global, []float32{1, 0}, 2, 0.5)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.Empty(t, source.scoped)
}

func TestSearch_StoreFailureDegradesToEmpty(t *testing.T) {
	collector := metrics.NewMemory()
	r := New(&fakeSource{err: assert.AnError}, logging.NewNop(), collector)

	matches, err := r.Search(context.Background(), Scope{ModuleID: "m1"}, []float32{1, 0}, 5, 0.85)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 1.0, collector.Counter(metrics.ProviderCalls,
		"provider", "vectorstore", "op", "search", "outcome", "unavailable"))
}

func TestSearch_EmptyInputsShortCircuit(t *testing.T) {
	r := New(&fakeSource{}, logging.NewNop(), metrics.NewNop())

	matches, err := r.Search(context.Background(), Global, nil, 5, 0.85)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = r.Search(context.Background(), Global, []float32{1}, 0, 0.85)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
