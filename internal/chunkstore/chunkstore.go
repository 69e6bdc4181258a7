// Package chunkstore manages the per-tenant document chunk collection: the
// base `{collection}` vector collection that retrieval queries against.
// Grounded on the teacher's internal/document.Service, which splits and
// upserts through langchaingo's vectorstore wrapper; this package keeps the
// same split-then-upsert shape but drives it through the Vector Store
// Adapter instead of a single hardwired backend, and adds the crawl/parse
// error-marker filtering original_source/backend_py/workflow.py applies
// before anything reaches the index.
package chunkstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

// errorMarkers mirrors the crawl/parse failure sentinels original_source
// checks for before indexing a chunk (workflow.py's '爬取失败'/'解析失败'
// checks), so a failed crawl never becomes retrievable context.
var errorMarkers = []string{"爬取失败", "解析失败"}

// minChunkChars is the shortest chunk text workflow.py will index; anything
// shorter is treated as noise rather than a real passage.
const minChunkChars = 50

// Chunk is one unit of indexed document text.
type Chunk struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// IsIndexable reports whether text should ever reach the vector store: it must
// be non-empty, long enough to be a real passage, and free of crawl/parse
// error markers.
func IsIndexable(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minChunkChars {
		return false
	}
	for _, marker := range errorMarkers {
		if strings.Contains(trimmed, marker) || strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return true
}

// Store manages the base chunk collection for tenants.
type Store struct {
	vectors  vectorstore.Store
	embedder embeddinggw.Gateway
}

func New(vectors vectorstore.Store, embedder embeddinggw.Gateway) *Store {
	return &Store{vectors: vectors, embedder: embedder}
}

// Upsert embeds and indexes chunks into the tenant's base collection,
// dropping any chunk that fails IsIndexable rather than erroring the whole
// batch (one bad crawl result should not block the rest of a document).
func (s *Store) Upsert(ctx context.Context, collection string, chunks []Chunk) (indexed, skipped int, err error) {
	if err := vectorstore.ValidateBaseName(collection); err != nil {
		return 0, 0, err
	}

	var (
		texts []string
		kept  []Chunk
	)
	for _, c := range chunks {
		if !IsIndexable(c.Text) {
			skipped++
			continue
		}
		texts = append(texts, c.Text)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return 0, skipped, nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, skipped, fmt.Errorf("chunkstore: embed batch for %s: %w", collection, err)
	}

	records := make([]vectorstore.Record, len(kept))
	for i, c := range kept {
		meta := map[string]any{"text": vectorstore.StripNulls(c.Text)}
		for k, v := range c.Metadata {
			meta[k] = v
		}
		records[i] = vectorstore.Record{
			ID:       c.ID,
			Vector:   vecs[i],
			Metadata: meta,
		}
	}

	if err := s.vectors.GetOrCreate(ctx, collection, len(vecs[0])); err != nil {
		return 0, skipped, fmt.Errorf("chunkstore: get-or-create %s: %w", collection, err)
	}
	if err := s.vectors.Upsert(ctx, collection, records); err != nil {
		return 0, skipped, fmt.Errorf("chunkstore: upsert %s: %w", collection, err)
	}

	return len(kept), skipped, nil
}

// DeleteDocument removes every chunk whose ID carries the given document's
// ID prefix; internal/ingest names chunk records "{doc_id}_{i}".
func (s *Store) DeleteDocument(ctx context.Context, collection, docIDPrefix string) error {
	return s.vectors.DeleteByIDPrefix(ctx, collection, docIDPrefix)
}

// Query returns the top-k chunks for a query embedding, without any of the
// retriever tier's context-assembly or citation-formatting logic.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, k int) ([]vectorstore.Match, error) {
	return s.vectors.Query(ctx, collection, vector, k, true, true)
}
