package answer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/embedding"
	"github.com/relearnhq/stepline/internal/llm"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/retrieval"
)

type fakeStore struct {
	mu        sync.Mutex
	module    *persistence.Module
	steps     []persistence.Step
	questions map[string]*persistence.Question
	saved     []*persistence.Question
	savedVecs []*persistence.QuestionVector
	latest    *persistence.Question
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		module:    &persistence.Module{ID: "m1", Title: "Device setup", Status: persistence.StatusReady},
		questions: make(map[string]*persistence.Question),
	}
}

func (f *fakeStore) GetModule(_ context.Context, id string) (*persistence.Module, error) {
	if f.module == nil || f.module.ID != id {
		return nil, persistence.ErrNotFound
	}
	return f.module, nil
}

func (f *fakeStore) GetSteps(_ context.Context, _ string) ([]persistence.Step, error) {
	return f.steps, nil
}

func (f *fakeStore) GetQuestion(_ context.Context, id string) (*persistence.Question, error) {
	q, ok := f.questions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return q, nil
}

func (f *fakeStore) SaveAnswer(_ context.Context, q *persistence.Question, vec *persistence.QuestionVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, q)
	f.savedVecs = append(f.savedVecs, vec)
	f.questions[q.ID] = q
	return nil
}

func (f *fakeStore) LatestAnswer(_ context.Context, _ string) (*persistence.Question, bool, error) {
	if f.latest == nil {
		return nil, false, nil
	}
	return f.latest, true, nil
}

type fakeSearcher struct {
	byScope map[string][]retrieval.Match
}

func (f *fakeSearcher) Search(_ context.Context, scope retrieval.Scope, _ []float32, _ int, threshold float64) ([]retrieval.Match, error) {
	ret := make([]retrieval.Match, 0)
	for _, m := range f.byScope[scope.ModuleID] {
		if m.Similarity >= threshold {
			ret = append(ret, m)
		}
	}
	return ret, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) { return f.vec, f.err }
func (f *fakeEmbedder) Dimensions() int                                      { return len(f.vec) }
func (f *fakeEmbedder) Model() string                                        { return "fake-embed" }

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.Request) (string, error) {
	f.calls++
	return f.reply, f.err
}
func (f *fakeCompleter) Model() string { return "fake-llm" }

func testAnswerConfig() config.AnswerConfig {
	return config.AnswerConfig{ReuseThreshold: 0.85}
}

func newService(store Store, searcher Searcher, emb *fakeEmbedder, completer llm.Completer) *Service {
	var embedder embedding.Embedder
	if emb != nil {
		embedder = emb
	}
	return New(store, searcher, embedder, completer, testAnswerConfig(), logging.NewNop(), metrics.NewNop())
}

func TestAnswer_ReusesStoredAnswerAtThreshold(t *testing.T) {
	store := newFakeStore()
	store.questions["q1"] = &persistence.Question{ID: "q1", ModuleID: "m1", Question: "How do I open it?", Answer: "Lift the lid straight up."}

	searcher := &fakeSearcher{byScope: map[string][]retrieval.Match{
		"m1": {{QuestionID: "q1", ModuleID: "m1", Similarity: 0.85}},
	}}
	completer := &fakeCompleter{reply: "should never be called"}
	svc := newService(store, searcher, &fakeEmbedder{vec: []float32{1, 0}}, completer)

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "how do i open it"})
	require.NoError(t, err)

	assert.Equal(t, persistence.SourceReused, resp.Source)
	assert.Equal(t, "Lift the lid straight up.", resp.Answer)
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, 0.85, *resp.Confidence)
	assert.Zero(t, completer.calls, "reuse must never block on the LLM")
	assert.Empty(t, store.saved, "reused answers are not re-stored")
}

func TestAnswer_NearMissBelowThresholdGenerates(t *testing.T) {
	store := newFakeStore()
	store.questions["q1"] = &persistence.Question{ID: "q1", ModuleID: "m1", Question: "similar", Answer: "stored answer"}

	searcher := &fakeSearcher{byScope: map[string][]retrieval.Match{
		"m1": {{QuestionID: "q1", ModuleID: "m1", Similarity: 0.84}},
	}}
	completer := &fakeCompleter{reply: "Press and hold the power button for three seconds."}
	svc := newService(store, searcher, &fakeEmbedder{vec: []float32{1, 0}}, completer)

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "how to power on"})
	require.NoError(t, err)

	assert.Equal(t, persistence.SourceGenerated, resp.Source)
	assert.Equal(t, 1, completer.calls)
	require.Len(t, store.saved, 1)
	assert.Equal(t, persistence.SourceGenerated, store.saved[0].Source)
	require.NotNil(t, store.savedVecs[0])
	assert.Equal(t, "fake-embed", store.savedVecs[0].Model)
}

func TestAnswer_ModuleScopeOutranksGlobal(t *testing.T) {
	store := newFakeStore()
	store.questions["mod"] = &persistence.Question{ID: "mod", ModuleID: "m1", Answer: "module-scoped answer"}
	store.questions["glob"] = &persistence.Question{ID: "glob", Answer: "global answer"}

	searcher := &fakeSearcher{byScope: map[string][]retrieval.Match{
		"m1": {{QuestionID: "mod", ModuleID: "m1", Similarity: 0.86}},
		"":   {{QuestionID: "glob", Similarity: 0.99}},
	}}
	svc := newService(store, searcher, &fakeEmbedder{vec: []float32{1, 0}}, &fakeCompleter{})

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "module-scoped answer", resp.Answer)
}

func TestAnswer_GlobalReuseWhenModuleScopeEmpty(t *testing.T) {
	store := newFakeStore()
	store.questions["glob"] = &persistence.Question{ID: "glob", Answer: "global answer"}

	searcher := &fakeSearcher{byScope: map[string][]retrieval.Match{
		"": {{QuestionID: "glob", Similarity: 0.9}},
	}}
	svc := newService(store, searcher, &fakeEmbedder{vec: []float32{1, 0}}, &fakeCompleter{})

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "anything"})
	require.NoError(t, err)
	assert.Equal(t, persistence.SourceReused, resp.Source)
	assert.Equal(t, "global answer", resp.Answer)
}

func TestAnswer_PlaceholderFallsThroughToRules(t *testing.T) {
	store := newFakeStore()
	store.steps = []persistence.Step{
		{ID: "s1", ModuleID: "m1", Ord: 1, Text: "Open the box carefully", StartSeconds: 0, EndSeconds: 4},
		{ID: "s2", ModuleID: "m1", Ord: 2, Text: "Plug the power cable in", StartSeconds: 4, EndSeconds: 9},
	}
	completer := &fakeCompleter{reply: "I'm sorry, I cannot answer that based on the provided context."}
	svc := newService(store, &fakeSearcher{}, &fakeEmbedder{vec: []float32{1, 0}}, completer)

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "where does the power cable go"})
	require.NoError(t, err)

	assert.Equal(t, persistence.SourceRuleFallback, resp.Source)
	assert.Contains(t, resp.Answer, "Plug the power cable in")
	assert.Contains(t, resp.Answer, "0:04")

	require.Len(t, store.saved, 1)
	assert.Equal(t, persistence.SourceRuleFallback, store.saved[0].Source)
	require.NotNil(t, store.saved[0].VideoTimestamp)
	assert.Equal(t, 4.0, *store.saved[0].VideoTimestamp)
}

func TestAnswer_CompletionDownUsesRules(t *testing.T) {
	store := newFakeStore()
	store.steps = []persistence.Step{
		{ID: "s1", Ord: 1, Text: "Attach the antenna to the rear port", StartSeconds: 10, EndSeconds: 20},
	}
	svc := newService(store, &fakeSearcher{}, &fakeEmbedder{vec: []float32{1, 0}}, &fakeCompleter{err: assert.AnError})

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "how do I attach the antenna"})
	require.NoError(t, err)
	assert.Equal(t, persistence.SourceRuleFallback, resp.Source)
}

func TestAnswer_CachedFallbackWhenNothingMatches(t *testing.T) {
	store := newFakeStore()
	store.latest = &persistence.Question{ID: "faq1", Answer: "See the quick-start card in the box.", IsFAQ: true}
	svc := newService(store, &fakeSearcher{}, &fakeEmbedder{vec: []float32{1, 0}}, &fakeCompleter{err: assert.AnError})

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "zzz qqq xyzzy"})
	require.NoError(t, err)
	assert.Equal(t, persistence.SourceCachedFallback, resp.Source)
	assert.Equal(t, "See the quick-start card in the box.", resp.Answer)
	assert.Empty(t, store.saved, "cached fallback carries no new information")
}

func TestAnswer_EmptyFallbackNeverErrors(t *testing.T) {
	store := newFakeStore()
	svc := newService(store, &fakeSearcher{}, nil, nil)

	resp, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "zzz qqq xyzzy"})
	require.NoError(t, err)
	assert.Equal(t, persistence.SourceEmptyFallback, resp.Source)
	assert.NotEmpty(t, resp.Answer)
}

func TestAnswer_UnknownModuleErrors(t *testing.T) {
	svc := newService(newFakeStore(), &fakeSearcher{}, nil, nil)

	_, err := svc.Answer(context.Background(), Request{ModuleID: "missing", Question: "hi there friend"})
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestAnswer_BlankQuestionRejected(t *testing.T) {
	svc := newService(newFakeStore(), &fakeSearcher{}, nil, nil)

	_, err := svc.Answer(context.Background(), Request{ModuleID: "m1", Question: "   "})
	require.Error(t, err)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("ok"))
	assert.True(t, IsPlaceholder("I'm sorry, I cannot help with that."))
	assert.True(t, IsPlaceholder("As an AI language model I do not have that information."))
	assert.True(t, IsPlaceholder("[insert answer here]"))
	assert.False(t, IsPlaceholder("Hold the reset button for five seconds, then release."))
}

func TestRuleMatch_KeywordScoring(t *testing.T) {
	steps := []persistence.Step{
		{Ord: 1, Text: "Open the shipping box", StartSeconds: 0},
		{Ord: 2, Text: "Connect the power adapter to the device", StartSeconds: 30},
	}

	step, ok := ruleMatch("How do I connect the power adapter?", steps)
	require.True(t, ok)
	assert.Equal(t, 2, step.Ord)

	_, ok = ruleMatch("what when how", steps)
	assert.False(t, ok)
}
