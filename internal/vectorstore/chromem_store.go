package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is the on-disk fallback Vector Store Adapter backend, used
// when USE_PGVECTOR is false (single-node deployments without a Postgres
// instance available). Grounded on fyrsmithlabs-contextd's
// internal/vectorstore/chromem.go, which wraps philippgille/chromem-go the
// same way: one chromem.Collection per logical collection name, documents
// upserted with precomputed embeddings.
type ChromemStore struct {
	db *chromem.DB

	// idsMu/ids track which IDs belong to which collection so
	// DeleteByIDPrefix can resolve a prefix to concrete IDs without relying
	// on chromem-go exposing document enumeration.
	idsMu sync.Mutex
	ids   map[string]map[string]struct{}
}

// NewChromemStore opens (or creates) a persistent chromem-go database
// rooted at dir.
func NewChromemStore(dir string) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open chromem db at %s: %w", dir, err)
	}
	return &ChromemStore{db: db, ids: make(map[string]map[string]struct{})}, nil
}

// passthroughEmbeddingFunc ignores the text chromem-go passes it and always
// returns vec. Every record this adapter upserts already carries its
// embedding (computed once, upstream, through the embedding gateway's
// memo), so chromem-go's text-embedding hook never has real work to do;
// queries pass the caller's vector straight to Collection.QueryEmbedding.
func passthroughEmbeddingFunc(vec []float32) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	}
}

func (s *ChromemStore) collection(name string, vec []float32) (*chromem.Collection, error) {
	coll, err := s.db.GetOrCreateCollection(name, nil, passthroughEmbeddingFunc(vec))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get-or-create collection %s: %w", name, err)
	}
	return coll, nil
}

func (s *ChromemStore) GetOrCreate(ctx context.Context, name string, dim int) error {
	_, err := s.collection(name, make([]float32, dim))
	return err
}

func (s *ChromemStore) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	coll, err := s.collection(name, records[0].Vector)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range CleanMetadata(r.Metadata) {
			meta[k] = encodeMetadataValue(v)
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Metadata:  meta,
			Embedding: r.Vector,
		})
	}

	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("vectorstore: upsert into %s: %w", name, err)
	}

	s.idsMu.Lock()
	set, ok := s.ids[name]
	if !ok {
		set = make(map[string]struct{})
		s.ids[name] = set
	}
	for _, r := range records {
		set[r.ID] = struct{}{}
	}
	s.idsMu.Unlock()

	return nil
}

func (s *ChromemStore) Query(ctx context.Context, name string, vector []float32, k int, includeScore, includeMetadata bool) ([]Match, error) {
	coll := s.db.GetCollection(name, passthroughEmbeddingFunc(vector))
	if coll == nil {
		return nil, nil
	}

	n := k
	if count := coll.Count(); count < n {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := coll.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query %s: %w", name, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{ID: r.ID}
		if includeScore {
			m.Score = r.Similarity
		}
		if includeMetadata {
			meta := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				meta[k] = decodeMetadataValue(v)
			}
			m.Metadata = meta
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *ChromemStore) DeleteByIDPrefix(ctx context.Context, name, prefix string) error {
	s.idsMu.Lock()
	set := s.ids[name]
	var toDelete []string
	for id := range set {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			toDelete = append(toDelete, id)
		}
	}
	s.idsMu.Unlock()

	if len(toDelete) == 0 {
		return nil
	}

	coll := s.db.GetCollection(name, passthroughEmbeddingFunc(nil))
	if coll == nil {
		return nil
	}
	if err := coll.Delete(ctx, nil, nil, toDelete...); err != nil {
		return fmt.Errorf("vectorstore: delete prefix %s/%s: %w", name, prefix, err)
	}

	s.idsMu.Lock()
	for _, id := range toDelete {
		delete(set, id)
	}
	s.idsMu.Unlock()

	return nil
}

// encodeMetadataValue converts one metadata value to the string chromem-go's
// map[string]string-only Document.Metadata can hold. Scalars are formatted
// plainly so they still read naturally as raw chromem metadata; anything
// else (slices, nested maps, e.g. answercache's citation list) is
// JSON-encoded so decodeMetadataValue can recover its original shape,
// unlike a flat fmt.Sprintf("%v", v") which would lose it.
func encodeMetadataValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return fmt.Sprintf("%t", val)
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// decodeMetadataValue reverses encodeMetadataValue. A value is only
// interpreted as JSON when it looks like a JSON array or object; plain
// scalars round-trip as the stored string, matching what encodeMetadataValue
// wrote for them.
func decodeMetadataValue(s string) any {
	if len(s) == 0 {
		return s
	}
	switch s[0] {
	case '[', '{':
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

var _ Store = (*ChromemStore)(nil)
