package frequentquestions_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell07/multi-tenant-ai/internal/frequentquestions"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func newStore(t *testing.T) vectorstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "frequentquestions_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := vectorstore.NewChromemStore(dir)
	require.NoError(t, err)
	return store
}

// TestGetFallsBackToDefaultsWithNoIndexedContent exercises the
// no-passages-sampled path, which never calls the LLM, and confirms the
// hard-coded onboarding triple spec.md §4.8 names is returned per language.
func TestGetFallsBackToDefaultsWithNoIndexedContent(t *testing.T) {
	vs := newStore(t)
	builder := frequentquestions.New(vs, &fakeEmbedder{dim: 4}, nil)
	ctx := context.Background()

	questions, cached, err := builder.Get(ctx, "kb1_questions", "tenant1", "en")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "What does this knowledge base cover?", questions[0])
}

func TestGetCachesResultAcrossCalls(t *testing.T) {
	vs := newStore(t)
	builder := frequentquestions.New(vs, &fakeEmbedder{dim: 4}, nil)
	ctx := context.Background()

	first, cached1, err := builder.Get(ctx, "kb1_questions", "tenant1", "zh")
	require.NoError(t, err)
	assert.False(t, cached1)

	second, cached2, err := builder.Get(ctx, "kb1_questions", "tenant1", "zh")
	require.NoError(t, err)
	assert.True(t, cached2)
	assert.Equal(t, first, second)
}

func TestGetDefaultsToChineseForUnknownLanguage(t *testing.T) {
	vs := newStore(t)
	builder := frequentquestions.New(vs, &fakeEmbedder{dim: 4}, nil)
	ctx := context.Background()

	questions, _, err := builder.Get(ctx, "kb1_questions", "tenant1", "fr")
	require.NoError(t, err)
	assert.Equal(t, "这个知识库包含哪些内容？", questions[0])
}
