// Package answercache is the Semantic Answer Cache of spec.md §4.3: a
// vector-backed cache keyed by question similarity rather than exact text,
// so a rephrased question that means the same thing as a recent one still
// hits. Grounded on original_source/backend_py/qa_cache.py's check_cache /
// save_to_cache / clear_cache_by_kb, reworked onto the Vector Store Adapter
// in place of a Supabase RPC (match_qa_cache) and a dedicated SQL table.
package answercache

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

// Entry is a cached question/answer pair returned on a cache hit.
type Entry struct {
	CacheID   string
	Answer    string
	Context   string
	Citations []map[string]any
	FollowUp  []string
	Language  string
}

// Cache is the semantic answer cache for one deployment; collections are
// addressed per call, same as every other vector-backed tier.
type Cache struct {
	vectors  vectorstore.Store
	embedder embeddinggw.Gateway

	enabled             bool
	similarityThreshold float64
	ttl                 time.Duration

	// hits is incremented asynchronously on cache hits, mirroring
	// qa_cache.py's fire-and-forget _update_hit_count via asyncio.create_task.
	// It is swallowed on failure for the same reason: a cache miss on the
	// bookkeeping write must never fail the request.
	hits atomic.Int64
}

func New(vectors vectorstore.Store, embedder embeddinggw.Gateway, enabled bool, similarityThreshold float64, ttlHours int) *Cache {
	return &Cache{
		vectors:             vectors,
		embedder:            embedder,
		enabled:             enabled,
		similarityThreshold: similarityThreshold,
		ttl:                 time.Duration(ttlHours) * time.Hour,
	}
}

type cachedPayload struct {
	Question  string           `json:"question"`
	Answer    string           `json:"answer"`
	Context   string           `json:"context"`
	Citations []map[string]any `json:"citations"`
	FollowUp  []string         `json:"follow_up"`
	Language  string           `json:"language"`
	ExpiresAt time.Time        `json:"expires_at"`
	HitCount  int64            `json:"hit_count"`
}

// Check returns the cached answer for question in collection if a prior
// entry in the same language exceeds the similarity threshold and has not
// expired. A cache miss — or any backend error — returns (nil, nil): the
// cache is advisory, per spec.md §7's partial-failure policy, and never
// fails the request. language scopes the lookup to spec.md §4.3's
// "top-1 entry within this tenant+language": a same-collection entry
// cached under a different language is treated as a miss rather than
// returned, so a similarly-worded question asked in a different language
// never surfaces another language's cached answer.
func (c *Cache) Check(ctx context.Context, collection, question, language string) (*Entry, error) {
	if !c.enabled {
		return nil, nil
	}

	vec, err := c.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, nil
	}

	matches, err := c.vectors.Query(ctx, collection, vec, 1, true, true)
	if err != nil || len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	if float64(best.Score) < c.similarityThreshold {
		return nil, nil
	}

	payload, err := decodePayload(best.Metadata)
	if err != nil {
		return nil, nil
	}
	if payload.Language != language {
		return nil, nil
	}
	if time.Now().After(payload.ExpiresAt) {
		return nil, nil
	}

	go c.bumpHitCount(context.Background(), collection, best.ID, payload)

	return &Entry{
		CacheID:   best.ID,
		Answer:    payload.Answer,
		Context:   payload.Context,
		Citations: payload.Citations,
		FollowUp:  payload.FollowUp,
		Language:  payload.Language,
	}, nil
}

// bumpHitCount re-embeds the cached question to recover the vector this
// record was indexed under (the Match returned by Query carries no vector),
// then rewrites the record with an incremented hit count. It runs off the
// request path and swallows its own errors, matching qa_cache.py's
// fire-and-forget _update_hit_count.
func (c *Cache) bumpHitCount(ctx context.Context, collection, id string, payload cachedPayload) {
	vec, err := c.embedder.EmbedQuery(ctx, payload.Question)
	if err != nil {
		return
	}
	payload.HitCount++
	meta, err := encodePayload(payload)
	if err != nil {
		return
	}
	_ = c.vectors.Upsert(ctx, collection, []vectorstore.Record{{
		ID:       id,
		Vector:   vec,
		Metadata: meta,
	}})
	c.hits.Add(1)
}

// Save writes a question/answer pair into the cache with this cache's
// configured TTL, tagged with language so a later Check only matches
// requests in the same language.  It is advisory: a failure here must
// never fail the request that produced the answer.
func (c *Cache) Save(ctx context.Context, collection, question, answer, answerContext string, citations []map[string]any, followUp []string, language string) error {
	if !c.enabled {
		return nil
	}

	vec, err := c.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return fmt.Errorf("answercache: embed question: %w", err)
	}

	payload := cachedPayload{
		Question:  vectorstore.StripNulls(question),
		Answer:    answer,
		Context:   answerContext,
		Citations: citations,
		FollowUp:  followUp,
		Language:  language,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	meta, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("answercache: encode payload: %w", err)
	}

	if err := c.vectors.GetOrCreate(ctx, collection, len(vec)); err != nil {
		return fmt.Errorf("answercache: get-or-create %s: %w", collection, err)
	}
	return c.vectors.Upsert(ctx, collection, []vectorstore.Record{{
		ID:       uuid.NewString(),
		Vector:   vec,
		Metadata: meta,
	}})
}

// ClearByKB deletes every cache entry for a tenant's knowledge base, the
// counterpart of clear_cache_by_kb. Neither the ingest pipeline nor document
// deletion calls it, so adding or removing a document leaves existing cache
// entries in place until they expire.
func (c *Cache) ClearByKB(ctx context.Context, collection string) error {
	return c.vectors.DeleteByIDPrefix(ctx, collection, "")
}

// clearByAnswerScanLimit bounds how many cache entries ClearByAnswer will
// scan through looking for a literal match; a deployment with more
// concurrently-cached answers than this in one collection will leave stale
// entries behind, which is acceptable for a cache.
const clearByAnswerScanLimit = 10000

// ClearByAnswer deletes every cache entry whose cached answer exactly
// matches answer (string equality, not semantic) — the Go equivalent of a
// raw-string WHERE clause, since the cache has no dedicated answer-text
// index. This is a best-effort invalidation hook for curated-QA edits and
// deletes; see DESIGN.md's Open Question decision on why exact-match,
// rather than semantic, is accepted here.
func (c *Cache) ClearByAnswer(ctx context.Context, collection, answer string) error {
	vec, err := c.embedder.EmbedQuery(ctx, answer)
	if err != nil {
		return fmt.Errorf("answercache: embed answer for scan: %w", err)
	}

	matches, err := c.vectors.Query(ctx, collection, vec, clearByAnswerScanLimit, false, true)
	if err != nil {
		return fmt.Errorf("answercache: scan %s: %w", collection, err)
	}

	for _, m := range matches {
		payload, err := decodePayload(m.Metadata)
		if err != nil || payload.Answer != answer {
			continue
		}
		if err := c.vectors.DeleteByIDPrefix(ctx, collection, m.ID); err != nil {
			return fmt.Errorf("answercache: delete %s: %w", m.ID, err)
		}
	}
	return nil
}

// HitCount returns the number of cache hits this process has observed,
// for /stats-style endpoints (qa_cache.py's get_cache_stats).
func (c *Cache) HitCount() int64 { return c.hits.Load() }

func encodePayload(p cachedPayload) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(m map[string]any) (cachedPayload, error) {
	var p cachedPayload
	// Backends that keep metadata as strings (chromem) hand hit_count back
	// as decimal text rather than a JSON number.
	if s, ok := m["hit_count"].(string); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return p, err
		}
		m = maps.Clone(m)
		m["hit_count"] = n
	}
	b, err := json.Marshal(m)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	return p, nil
}
