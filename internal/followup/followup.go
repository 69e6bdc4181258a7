package followup

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

const (
	// defaultRetrievalLimit mirrors question_retriever.py's
	// DEFAULT_RETRIEVAL_LIMIT: how many candidates to pull per expanded
	// query before filtering.
	defaultRetrievalLimit = 10
	// defaultReturnLimit mirrors DEFAULT_RETURN_LIMIT: how many follow-up
	// questions to hand back after filtering.
	defaultReturnLimit = 3
	// defaultSimilarityThreshold is used only when NewRecommender is handed
	// a non-positive threshold; callers are expected to pass
	// cfg.CosineSimilarityThreshold (spec default 0.85) instead.
	defaultSimilarityThreshold = 0.85
)

// Question is one recommended follow-up question surfaced to the caller.
type Question struct {
	Text     string
	Language string
	Score    float32
}

// Recommender retrieves and filters follow-up questions from a tenant's
// recommended-questions collection. Grounded on
// original_source/backend_py/question_retriever.py's QuestionRetriever.
type Recommender struct {
	vectors             vectorstore.Store
	embedder            embeddinggw.Gateway
	expander            *Expander
	returnLimit         int
	similarityThreshold float64
}

// NewRecommender builds a Recommender. similarityThreshold is the minimum
// cosine similarity, against the user's original (unexpanded) query, a
// candidate must clear in re-verification to be recommended — pass a
// non-positive value to fall back to defaultSimilarityThreshold.
func NewRecommender(vectors vectorstore.Store, embedder embeddinggw.Gateway, expander *Expander, returnLimit int, similarityThreshold float64) *Recommender {
	if returnLimit <= 0 {
		returnLimit = defaultReturnLimit
	}
	if similarityThreshold <= 0 {
		similarityThreshold = defaultSimilarityThreshold
	}
	return &Recommender{
		vectors:             vectors,
		embedder:            embedder,
		expander:            expander,
		returnLimit:         returnLimit,
		similarityThreshold: similarityThreshold,
	}
}

// Recommend returns up to r.returnLimit follow-up questions for query in
// collection's derived questions collection. It first gathers a candidate
// pool via the expanded queries (excluding the user's own query, duplicate
// phrasings, and anything failing the structural checks), then
// independently re-verifies every unique candidate: batch-embed them in
// one call and keep only those whose cosine similarity to the ORIGINAL
// query — not whichever expanded variant retrieved them — clears
// r.similarityThreshold. This is what stops a candidate with an inflated
// retrieval score (similarity to an expanded query) from being recommended
// when it is not actually close to what the user asked.
func (r *Recommender) Recommend(ctx context.Context, collection, query, language string) ([]Question, error) {
	originalVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("followup: embed original query: %w", err)
	}

	queries := []string{query}
	if r.expander != nil {
		queries = r.expander.Expand(ctx, query)
	}

	wantCandidates := r.returnLimit * 3
	if wantCandidates < defaultRetrievalLimit {
		wantCandidates = defaultRetrievalLimit
	}

	questionsCollection := vectorstore.QuestionsCollection(collection)
	normalizedQuery := normalize(query)

	seen := make(map[string]struct{})
	var pool []Question

	for _, q := range queries {
		if len(pool) >= wantCandidates {
			break
		}

		candidates, err := r.retrieveSimilarQuestions(ctx, questionsCollection, q, wantCandidates)
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			if len(pool) >= wantCandidates {
				break
			}
			if !c.passesStructuralFilter(normalizedQuery, language) {
				continue
			}
			key := normalize(c.Text)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			pool = append(pool, c)
		}
	}

	if len(pool) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pool))
	for i, c := range pool {
		texts[i] = c.Text
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("followup: embed candidates: %w", err)
	}

	var filtered []Question
	for i, c := range pool {
		if len(filtered) >= r.returnLimit {
			break
		}
		sim := cosineSimilarity(originalVec, vecs[i])
		if float64(sim) < r.similarityThreshold {
			continue
		}
		c.Score = sim
		filtered = append(filtered, c)
	}

	return filtered, nil
}

func (r *Recommender) retrieveSimilarQuestions(ctx context.Context, questionsCollection, query string, limit int) ([]Question, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("followup: embed query: %w", err)
	}

	matches, err := r.vectors.Query(ctx, questionsCollection, vec, limit, true, true)
	if err != nil {
		return nil, fmt.Errorf("followup: query %s: %w", questionsCollection, err)
	}

	questions := make([]Question, 0, len(matches))
	for _, m := range matches {
		text, _ := m.Metadata["text"].(string)
		lang, _ := m.Metadata["language"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		questions = append(questions, Question{Text: text, Language: lang, Score: m.Score})
	}
	return questions, nil
}

// passesStructuralFilter mirrors the non-similarity checks of
// filter_follow_up_questions: exclude an exact match to the user's own
// query, require a matching language tag, and require a trailing question
// mark. The similarity check itself happens later, in Recommend, against
// an independently re-verified cosine score rather than this candidate's
// retrieval-time Score.
func (q Question) passesStructuralFilter(normalizedQuery, language string) bool {
	if normalize(q.Text) == normalizedQuery {
		return false
	}
	if language != "" && q.Language != "" && q.Language != language {
		return false
	}
	trimmed := strings.TrimSpace(q.Text)
	if !strings.HasSuffix(trimmed, "?") && !strings.HasSuffix(trimmed, "？") {
		return false
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// cosineSimilarity computes cosine similarity between two embeddings of
// equal length, returning 0 for mismatched or zero-norm vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
