package followup_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell07/multi-tenant-ai/internal/followup"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

// fakeEmbedder is deterministic per text: every vector shares a dominant
// all-ones direction plus a small length-keyed perturbation, so unrelated
// texts still land close together (cosine well above 0.85) unless a test
// pins an exact vector via set, to exercise a specific similarity outcome.
type fakeEmbedder struct {
	dim  int
	vecs map[string][]float32
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vecs: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec []float32) {
	f.vecs[text] = vec
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	if v, ok := f.vecs[text]; ok {
		return v
	}
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = 1
	}
	if len(text) > 0 {
		v[len(text)%f.dim] += 0.25
	}
	f.vecs[text] = v
	return v
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vectorFor(text), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectorFor(t)
	}
	return out, nil
}

func newStore(t *testing.T) vectorstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "followup_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := vectorstore.NewChromemStore(dir)
	require.NoError(t, err)
	return store
}

func seedQuestions(t *testing.T, vs vectorstore.Store, embedder *fakeEmbedder, collection string, items []struct {
	text, lang string
}) {
	t.Helper()
	ctx := context.Background()
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.NoError(t, vs.GetOrCreate(ctx, collection, len(vecs[0])))
	records := make([]vectorstore.Record, len(items))
	for i, it := range items {
		records[i] = vectorstore.Record{
			ID:       "q_" + string(rune('a'+i)),
			Vector:   vecs[i],
			Metadata: map[string]any{"text": it.text, "language": it.lang},
		}
	}
	require.NoError(t, vs.Upsert(ctx, collection, records))
}

func TestRecommendFiltersOwnQuestionAndNonQuestions(t *testing.T) {
	vs := newStore(t)
	embedder := newFakeEmbedder(4)

	questionsCollection := vectorstore.QuestionsCollection("kb1")
	seedQuestions(t, vs, embedder, questionsCollection, []struct{ text, lang string }{
		{"What is the original question?", "en"},
		{"not a question at all", "en"},
		{"What else should I know?", "en"},
	})

	recommender := followup.NewRecommender(vs, embedder, nil, 3, 0.85)
	results, err := recommender.Recommend(context.Background(), "kb1", "What is the original question?", "en")
	require.NoError(t, err)

	for _, r := range results {
		assert.NotEqual(t, "What is the original question?", r.Text)
		assert.NotEqual(t, "not a question at all", r.Text)
	}
}

func TestRecommendReturnsAtMostReturnLimit(t *testing.T) {
	vs := newStore(t)
	embedder := newFakeEmbedder(8)

	questionsCollection := vectorstore.QuestionsCollection("kb1")
	seedQuestions(t, vs, embedder, questionsCollection, []struct{ text, lang string }{
		{"What about A?", "en"},
		{"What about B?", "en"},
		{"What about C?", "en"},
		{"What about D?", "en"},
	})

	recommender := followup.NewRecommender(vs, embedder, nil, 2, 0.85)
	results, err := recommender.Recommend(context.Background(), "kb1", "original question", "en")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)
}

func TestNewRecommenderDefaultsReturnLimit(t *testing.T) {
	vs := newStore(t)
	embedder := newFakeEmbedder(4)
	r := followup.NewRecommender(vs, embedder, nil, 0, 0.85)
	require.NotNil(t, r)
}

// TestRecommendDropsCandidateWithLowTrueSimilarityDespiteHighRetrievalScore
// guards against reusing a candidate's vector-search Score as its
// similarity verdict: here the candidate's stored vector is identical to
// the query's embedding (so it would win retrieval with a near-perfect
// Match.Score), but independently re-embedding its text yields a vector
// orthogonal to the query. Re-verification must catch that and drop it.
func TestRecommendDropsCandidateWithLowTrueSimilarityDespiteHighRetrievalScore(t *testing.T) {
	vs := newStore(t)
	embedder := newFakeEmbedder(4)
	ctx := context.Background()

	collection := vectorstore.QuestionsCollection("kb1")
	require.NoError(t, vs.GetOrCreate(ctx, collection, 4))

	const query = "original question"
	const gamedText = "Completely unrelated question?"

	queryVec := []float32{1, 0, 0, 0}
	embedder.set(query, queryVec)
	embedder.set(gamedText, []float32{0, 1, 0, 0})

	require.NoError(t, vs.Upsert(ctx, collection, []vectorstore.Record{{
		ID:       "q_gamed",
		Vector:   queryVec,
		Metadata: map[string]any{"text": gamedText, "language": "en"},
	}}))

	recommender := followup.NewRecommender(vs, embedder, nil, 3, 0.85)
	results, err := recommender.Recommend(ctx, "kb1", query, "en")
	require.NoError(t, err)
	assert.Empty(t, results)
}
