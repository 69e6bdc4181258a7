package curatedqa_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pixell07/multi-tenant-ai/internal/answercache"
	"github.com/pixell07/multi-tenant-ai/internal/curatedqa"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

type fakeEmbedder struct {
	seen map[string][]float32
	next int
	dim  int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{seen: make(map[string][]float32), dim: dim}
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	if v, ok := f.seen[text]; ok {
		return v
	}
	v := make([]float32, f.dim)
	v[f.next%f.dim] = 1
	f.next++
	f.seen[text] = v
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
	dir, err := os.MkdirTemp("", "curatedqa_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := vectorstore.NewChromemStore(dir)
	require.NoError(t, err)
	return store
}

func TestStoreThenMatchRoundTrip(t *testing.T) {
	store := newStore(t)
	embedder := newFakeEmbedder(4)
	cache := answercache.New(store, embedder, true, 0.9, 24)
	svc := curatedqa.New(store, embedder, cache, 0.85)
	ctx := context.Background()

	item := curatedqa.Item{
		ID:               "qa1",
		Question:         "How do I reset my password?",
		SimilarQuestions: []string{"I forgot my password"},
		Answer:           "Use the reset link on the login page.",
	}
	require.NoError(t, svc.Store(ctx, "kb1", item))

	match, err := svc.Match(ctx, "kb1", "How do I reset my password?")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "qa1", match.ID)
	assert.Equal(t, "Use the reset link on the login page.", match.Answer)
}

func TestMatchBelowThresholdMisses(t *testing.T) {
	store := newStore(t)
	embedder := newFakeEmbedder(4)
	cache := answercache.New(store, embedder, true, 0.9, 24)
	svc := curatedqa.New(store, embedder, cache, 0.85)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "kb1", curatedqa.Item{
		ID:       "qa1",
		Question: "How do I reset my password?",
		Answer:   "Use the reset link.",
	}))

	match, err := svc.Match(ctx, "kb1", "something entirely unrelated")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestDeleteRemovesVectorsAndCacheEntry(t *testing.T) {
	store := newStore(t)
	embedder := newFakeEmbedder(4)
	cache := answercache.New(store, embedder, true, 0.9, 24)
	svc := curatedqa.New(store, embedder, cache, 0.85)
	ctx := context.Background()

	item := curatedqa.Item{ID: "qa1", Question: "What is corporate tax?", Answer: "A tax on profits."}
	require.NoError(t, svc.Store(ctx, "kb1", item))
	require.NoError(t, cache.Save(ctx, vectorstore.CacheCollection("kb1"), "What is corporate tax?", "A tax on profits.", "", nil, nil, "en"))

	require.NoError(t, svc.Delete(ctx, "kb1", "qa1", "A tax on profits."))

	match, err := svc.Match(ctx, "kb1", "What is corporate tax?")
	require.NoError(t, err)
	assert.Nil(t, match)

	entry, err := cache.Check(ctx, vectorstore.CacheCollection("kb1"), "What is corporate tax?", "en")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func buildXLSX(t *testing.T, rows [][2]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetCellValue(sheet, "A1", "Question")
	f.SetCellValue(sheet, "B1", "Answer")
	f.SetCellValue(sheet, "A2", "---")
	f.SetCellValue(sheet, "B2", "---")
	for i, row := range rows {
		r := i + 3
		f.SetCellValue(sheet, fmt.Sprintf("A%d", r), row[0])
		f.SetCellValue(sheet, fmt.Sprintf("B%d", r), row[1])
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestParseXLSXSkipsHeaderAndSplitsParaphrases(t *testing.T) {
	data := buildXLSX(t, [][2]string{
		{"What is X?|What's X?", "X is a thing."},
		{"", "missing question"},
	})

	rows, errs, err := curatedqa.ParseXLSX(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "What is X?", rows[0].Question)
	require.Len(t, rows[0].SimilarQuestions, 1)
	assert.Equal(t, "What's X?", rows[0].SimilarQuestions[0])
	assert.Equal(t, "X is a thing.", rows[0].Answer)
	assert.Len(t, errs, 1)
}

func TestBulkUploadStoresEveryValidRow(t *testing.T) {
	store := newStore(t)
	embedder := newFakeEmbedder(4)
	svc := curatedqa.New(store, embedder, nil, 0.85)
	ctx := context.Background()

	data := buildXLSX(t, [][2]string{
		{"What is X?", "X is a thing."},
		{"What is Y?", "Y is another thing."},
	})

	result, err := svc.BulkUpload(ctx, "kb1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailedCount)

	match, err := svc.Match(ctx, "kb1", "What is X?")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "X is a thing.", match.Answer)
}
