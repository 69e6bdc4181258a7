package orchestrator_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell07/multi-tenant-ai/internal/answercache"
	"github.com/pixell07/multi-tenant-ai/internal/curatedqa"
	"github.com/pixell07/multi-tenant-ai/internal/followup"
	"github.com/pixell07/multi-tenant-ai/internal/generator"
	"github.com/pixell07/multi-tenant-ai/internal/orchestrator"
	"github.com/pixell07/multi-tenant-ai/internal/retriever"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

// fakeEmbedder returns a deterministic unit vector per distinct text,
// standing in for internal/embeddinggw.Gateway without a network call.
type fakeEmbedder struct {
	dim  int
	seen map[string][]float32
	next int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, seen: make(map[string][]float32)}
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

// fakeResolver resolves a single hard-coded tenant, independent of
// internal/tenant.Repository's Postgres backing.
type fakeResolver struct {
	t *tenant.Tenant
}

func (f fakeResolver) Resolve(_ context.Context, shareTokenOrID string) (*tenant.Tenant, error) {
	if shareTokenOrID != f.t.ID && shareTokenOrID != f.t.ShareToken {
		return nil, tenant.ErrNotFound
	}
	return f.t, nil
}

type testRig struct {
	orch     *orchestrator.Orchestrator
	tenant   *tenant.Tenant
	store    vectorstore.Store
	embedder *fakeEmbedder
}

func newTestRig(t *testing.T) testRig {
	t.Helper()

	dir, err := os.MkdirTemp("", "orchestrator_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := vectorstore.NewChromemStore(dir)
	require.NoError(t, err)

	embedder := newFakeEmbedder(4)
	cache := answercache.New(store, embedder, true, 0.95, 6)
	qa := curatedqa.New(store, embedder, cache, 0.9)
	retr := retriever.New(store, embedder, 8, 4)
	gen := generator.New(nil) // never reached by these tests; no path here calls Generate
	rec := followup.NewRecommender(store, embedder, nil, 3, 0.85)

	kb := &tenant.Tenant{ID: "tenant-1", ShareToken: "share-1", Collection: "kb_tenant1"}

	return testRig{
		orch:     orchestrator.New(&fakeResolver{t: kb}, cache, qa, retr, gen, rec),
		tenant:   kb,
		store:    store,
		embedder: embedder,
	}
}

func TestAsk_UnknownTenantReturnsError(t *testing.T) {
	rig := newTestRig(t)

	ev := rig.orch.Ask(context.Background(), "no-such-token", "hello?", "en", nil, nil)
	assert.True(t, ev.Done)
	assert.NotEmpty(t, ev.Err)
}

func TestAsk_CuratedQAHitSkipsGeneration(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	question := "What are your office hours?"

	qaCollection := vectorstore.QACollection(rig.tenant.Collection)
	require.NoError(t, rig.store.GetOrCreate(ctx, qaCollection, 4))
	require.NoError(t, rig.store.Upsert(ctx, qaCollection, []vectorstore.Record{{
		ID:     qaCollection + "_qa1_0",
		Vector: rig.embedder.vectorFor(question),
		Metadata: map[string]any{
			"qa_id":    "qa1",
			"question": question,
			"answer":   "We're open 9am to 5pm on weekdays.",
		},
	}}))

	var chunks []string
	ev := rig.orch.Ask(ctx, rig.tenant.ShareToken, question, "en", nil, func(e orchestrator.Event) {
		if e.Chunk != "" {
			chunks = append(chunks, e.Chunk)
		}
	})

	assert.True(t, ev.Done)
	assert.Empty(t, ev.Err)
	assert.Equal(t, "We're open 9am to 5pm on weekdays.", ev.Answer)
	require.Len(t, chunks, 1)
	assert.Equal(t, ev.Answer, chunks[0])
}

func TestAsk_AnswerCacheHitSkipsEverythingElse(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	question := "法人税とは何ですか？"

	cacheCollection := vectorstore.CacheCollection(rig.tenant.Collection)
	require.NoError(t, rig.store.GetOrCreate(ctx, cacheCollection, 4))
	require.NoError(t, rig.store.Upsert(ctx, cacheCollection, []vectorstore.Record{{
		ID:     "cache-entry-1",
		Vector: rig.embedder.vectorFor(question),
		Metadata: map[string]any{
			"question":   question,
			"answer":     "A1",
			"context":    "法人税の context",
			"citations":  []map[string]any{},
			"follow_up":  []string{"何％ですか？"},
			"language":   "zh",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339Nano),
			"hit_count":  0,
		},
	}}))

	var chunks []string
	ev := rig.orch.Ask(ctx, rig.tenant.ID, question, "zh", nil, func(e orchestrator.Event) {
		if e.Chunk != "" {
			chunks = append(chunks, e.Chunk)
		}
	})

	assert.True(t, ev.Done)
	assert.True(t, ev.Cached)
	assert.Equal(t, "A1", ev.Answer)
	assert.Equal(t, []string{"何％ですか？"}, ev.FollowUp)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A1", chunks[0])
}

func TestAsk_RetrieverEmptyContextDegradesWithoutCallingGenerator(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// No chunk collection exists at all for this tenant, so retrieval finds
	// nothing and the safeguard must fire before any generator.Generate
	// call — the test's Generator was built with a nil llms.Model, so a
	// call there would panic, proving the empty-context path short-circuits.
	ev := rig.orch.Ask(ctx, rig.tenant.ShareToken, "What is the meaning of life?", "en", nil, nil)

	assert.True(t, ev.Done)
	assert.Empty(t, ev.Err)
	assert.Contains(t, ev.Answer, "couldn't find")
}
