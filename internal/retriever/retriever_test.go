package retriever_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell07/multi-tenant-ai/internal/retriever"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

type fakeEmbedder struct {
	dim  int
	next int
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[f.next%f.dim] = 1
		f.next++
		out[i] = v
	}
	return out, nil
}

func newStore(t *testing.T) vectorstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "retriever_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := vectorstore.NewChromemStore(dir)
	require.NoError(t, err)
	return store
}

func seed(t *testing.T, vs vectorstore.Store, embedder *fakeEmbedder, collection string, texts []string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.NoError(t, vs.GetOrCreate(ctx, collection, len(vecs[0])))
	records := make([]vectorstore.Record, len(texts))
	for i, text := range texts {
		records[i] = vectorstore.Record{
			ID:       "chunk_" + string(rune('a'+i)),
			Vector:   vecs[i],
			Metadata: map[string]any{"text": text, "source": "doc.pdf"},
		}
	}
	require.NoError(t, vs.Upsert(ctx, collection, records))
}

func TestRetrieveJoinsContextAndBuildsCitations(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 4}
	passage := strings.Repeat("relevant passage content here. ", 3)
	seed(t, vs, embedder, "kb1", []string{passage, passage + " more"})

	r := retriever.New(vs, embedder, 8, 4)
	result, err := r.Retrieve(context.Background(), "kb1", "what is this about")
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.NotEmpty(t, result.Context)
	assert.Len(t, result.Citations, 2)
	assert.Equal(t, "doc.pdf", result.Citations[0].Source)
}

func TestRetrieveFallsBackToUnfilteredWhenEveryCandidateFilteredOut(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 4}
	seed(t, vs, embedder, "kb1", []string{"爬取失败: timeout fetching page"})

	r := retriever.New(vs, embedder, 8, 4)
	result, err := r.Retrieve(context.Background(), "kb1", "anything")
	require.NoError(t, err)

	// Every candidate was dropped by the filter, so the unfiltered fallback
	// kicks in — but this fallback text is itself under minContextChars,
	// so the result is still degraded.
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.Context)
	assert.Len(t, result.Citations, 1)
}

func TestRetrieveFallbackSurvivesWhenLongEnough(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 4}
	longMarkedText := "爬取失败: " + strings.Repeat("page content that looks real but carries a crawl-failure marker. ", 3)
	seed(t, vs, embedder, "kb1", []string{longMarkedText})

	r := retriever.New(vs, embedder, 8, 4)
	result, err := r.Retrieve(context.Background(), "kb1", "anything")
	require.NoError(t, err)

	// The only candidate fails IsIndexable (error marker), so the filtered
	// pass is empty — but the unfiltered fallback is long enough that the
	// result is not degraded, so generation can proceed on it.
	assert.False(t, result.Degraded)
	assert.Equal(t, longMarkedText, result.Context)
	require.Len(t, result.Citations, 1)
}

func TestRetrieveDropsChunksShorterThanMinChunkChars(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 8}
	longPassage := strings.Repeat("relevant passage content here. ", 3)
	seed(t, vs, embedder, "kb1", []string{"too short", longPassage})

	r := retriever.New(vs, embedder, 8, 4)
	result, err := r.Retrieve(context.Background(), "kb1", "query")
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.NotContains(t, result.Context, "too short")
	assert.Contains(t, result.Context, longPassage)
}

func TestRetrieveCapsChunksAtMaxChunks(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 8}
	texts := []string{"passage one unique text", "passage two unique text", "passage three unique text"}
	seed(t, vs, embedder, "kb1", texts)

	r := retriever.New(vs, embedder, 8, 2)
	result, err := r.Retrieve(context.Background(), "kb1", "query")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(result.Context, "\n\n"), "context should join exactly maxChunks passages")
}

func TestNewAppliesDefaults(t *testing.T) {
	vs := newStore(t)
	embedder := &fakeEmbedder{dim: 4}
	r := retriever.New(vs, embedder, 0, 0)
	require.NotNil(t, r)
}
