// Package retriever performs top-k passage retrieval against a tenant's
// base chunk collection and assembles the filtered context block and
// citation list the generator consumes. Grounded on the teacher's
// internal/retrieval.RAGService.Query (embed → search → build context
// block) and original_source/backend_py/workflow.py's citation-collection
// logic (error-marker filtering, 500-char citation truncation, top-5
// citation cap, MAX_CHUNKS context cap).
package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixell07/multi-tenant-ai/internal/chunkstore"
	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

const (
	maxCitations      = 5
	citationCharLimit = 500
	minContextChars   = 50
)

// Citation is one retrieved passage surfaced to the caller alongside the
// generated answer.
type Citation struct {
	ID      string
	Source  string
	Content string
	Score   float32
}

// Result is the outcome of a retrieval pass.
type Result struct {
	Context   string
	Citations []Citation
	// Degraded is true when retrieval ran but produced too little usable
	// context (spec.md §4.5's empty-context safeguard), distinct from a
	// hard retrieval failure.
	Degraded bool
}

// Retriever performs retrieval against one vector backend.
type Retriever struct {
	vectors   vectorstore.Store
	embedder  embeddinggw.Gateway
	retrieveK int
	maxChunks int
}

func New(vectors vectorstore.Store, embedder embeddinggw.Gateway, retrieveK, maxChunks int) *Retriever {
	if retrieveK <= 0 {
		retrieveK = 8
	}
	if maxChunks <= 0 {
		maxChunks = 4
	}
	return &Retriever{vectors: vectors, embedder: embedder, retrieveK: retrieveK, maxChunks: maxChunks}
}

// Retrieve fetches the top candidates for query from collection and drops
// any chunk that fails chunkstore.IsIndexable's empty/too-short/error-marker
// check (defense in depth against chunks that slipped into the index before
// that check ran). If every candidate is filtered out, it falls back to the
// unfiltered top r.maxChunks candidates rather than degrading immediately —
// the filter is a quality pass, not the last line of defense; only a
// context that is still too short after that fallback is treated as
// genuinely empty. Returns at most r.maxChunks chunks joined into one
// context block plus up to maxCitations citations drawn from whichever set
// (filtered or fallback) was ultimately used.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string) (Result, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("retriever: embed query: %w", err)
	}

	matches, err := r.vectors.Query(ctx, collection, vec, r.retrieveK, true, true)
	if err != nil {
		return Result{}, fmt.Errorf("retriever: query %s: %w", collection, err)
	}

	candidates := buildCandidates(matches)

	texts, citations := candidates.filtered()
	if len(texts) == 0 {
		texts, citations = candidates.unfiltered()
	}

	if len(texts) > r.maxChunks {
		texts = texts[:r.maxChunks]
	}

	joined := strings.Join(texts, "\n\n")
	degraded := len(strings.TrimSpace(joined)) < minContextChars

	return Result{Context: joined, Citations: citations, Degraded: degraded}, nil
}

// candidate is one raw vector match carried forward so Retrieve can try a
// filtered pass first and fall back to the unfiltered set without
// re-querying.
type candidate struct {
	id     string
	text   string
	source string
	score  float32
}

func buildCandidates(matches []vectorstore.Match) candidates {
	out := make(candidates, 0, len(matches))
	for _, m := range matches {
		text, _ := m.Metadata["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		source, _ := m.Metadata["source"].(string)
		out = append(out, candidate{id: m.ID, text: text, source: source, score: m.Score})
	}
	return out
}

type candidates []candidate

// filtered keeps only candidates chunkstore.IsIndexable accepts, mirroring
// the same empty/too-short/error-marker check ingestion applies before a
// chunk ever reaches the index.
func (cs candidates) filtered() ([]string, []Citation) {
	var (
		texts     []string
		citations []Citation
	)
	for _, c := range cs {
		if !chunkstore.IsIndexable(c.text) {
			continue
		}
		texts = append(texts, c.text)
		if len(citations) < maxCitations {
			citations = append(citations, c.toCitation())
		}
	}
	return texts, citations
}

// unfiltered returns every candidate regardless of IsIndexable, for the
// fallback path when the filtered pass leaves nothing usable.
func (cs candidates) unfiltered() ([]string, []Citation) {
	texts := make([]string, len(cs))
	var citations []Citation
	for i, c := range cs {
		texts[i] = c.text
		if len(citations) < maxCitations {
			citations = append(citations, c.toCitation())
		}
	}
	return texts, citations
}

func (c candidate) toCitation() Citation {
	content := c.text
	if len(content) > citationCharLimit {
		content = content[:citationCharLimit]
	}
	return Citation{ID: c.id, Source: c.source, Content: content, Score: c.score}
}
