// Package frequentquestions is the Frequent-Questions Builder of
// spec.md §4.8: on-demand, process-cached onboarding questions for a
// tenant that has no curated recommended questions yet. Grounded on
// original_source/backend_py/question_generator.py (seed-word sampling,
// QUESTION_GENERATION_PROMPT_ZH, regenerate_questions_for_kb) reworked onto
// the Vector Store Adapter, plus the answerability-validation step spec.md
// §4.8 adds on top of the original's unchecked LLM output.
package frequentquestions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"

	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

const (
	cacheTTL      = 6 * time.Hour
	cacheCapacity = 1000

	seedWordsPerLanguage = 3
	seedTopK             = 2
	maxSamplePassages    = 10
	minPassageChars      = 50
	wantedQuestions      = 3
	answerabilityBatch   = 5

	// maxContextTokens bounds the passage sample handed to the question
	// prompt, mirroring question_generator.py's MAX_CONTEXT_TOKENS.
	maxContextTokens = 2000
)

var errorMarkers = []string{"爬取失败", "解析失败"}

// seedWords are generic topic probes used to pull a representative sample
// of chunks when generating onboarding questions, mirroring
// question_generator.py's query_words list (translated per language).
var seedWords = map[string][]string{
	"zh": {"介绍", "功能", "使用方法"},
	"en": {"overview", "features", "how to use"},
	"ja": {"概要", "機能", "使い方"},
}

// defaultQuestions is the hard-coded triple returned when sampling or
// generation produces nothing usable, per spec.md §4.8 step 1/4.
var defaultQuestions = map[string][3]string{
	"zh": {"这个知识库包含哪些内容？", "如何开始使用？", "有哪些主要功能？"},
	"en": {"What does this knowledge base cover?", "How do I get started?", "What are the main features?"},
	"ja": {"このナレッジベースには何が含まれていますか？", "どのように使い始めればよいですか？", "主な機能は何ですか？"},
}

var questionPromptTemplate = `You are a question generator. Based on the passages below, write exactly 3 concise, realistic questions a user might ask, in the same language as the passages. Each question must end with a question mark. Avoid overly broad questions like "tell me about this" or "explain this".

Passages:
%s

Respond as a JSON object: {"questions": ["question 1?", "question 2?", "question 3?"]}
Return only the JSON, no explanation.`

type cacheKey struct {
	tenant   string
	language string
}

// Builder produces and caches onboarding questions for tenants with no
// curated recommended questions.
type Builder struct {
	vectors  vectorstore.Store
	embedder embeddinggw.Gateway
	model    llms.Model

	cache *lru.LRU[cacheKey, [3]string]
}

func New(vectors vectorstore.Store, embedder embeddinggw.Gateway, model llms.Model) *Builder {
	return &Builder{
		vectors:  vectors,
		embedder: embedder,
		model:    model,
		cache:    lru.NewLRU[cacheKey, [3]string](cacheCapacity, nil, cacheTTL),
	}
}

// Get returns the cached onboarding triple for (tenant, language), building
// and caching it on a miss. cached reports whether the result came from
// the in-process cache.
func (b *Builder) Get(ctx context.Context, collection, tenant, language string) (questions [3]string, cached bool, err error) {
	key := cacheKey{tenant: tenant, language: language}
	if q, ok := b.cache.Get(key); ok {
		return q, true, nil
	}

	built, err := b.build(ctx, collection, language)
	if err != nil {
		return defaultQuestions[normalizeLanguage(language)], false, err
	}

	b.cache.Add(key, built)
	return built, false, nil
}

// Regenerate evicts the cached triple for (tenant, language) and rebuilds
// it immediately, mirroring question_generator.py's
// regenerate_questions_for_kb. No HTTP route calls it.
func (b *Builder) Regenerate(ctx context.Context, collection, tenant, language string) ([3]string, error) {
	b.cache.Remove(cacheKey{tenant: tenant, language: language})
	built, _, err := b.Get(ctx, collection, tenant, language)
	return built, err
}

func (b *Builder) build(ctx context.Context, collection, language string) ([3]string, error) {
	lang := normalizeLanguage(language)

	passages := b.samplePassages(ctx, collection, lang)
	if len(passages) == 0 {
		return defaultQuestions[lang], nil
	}

	candidates := b.generateQuestions(ctx, passages, lang)
	if len(candidates) == 0 {
		return defaultQuestions[lang], nil
	}

	survivors := b.filterAnswerable(ctx, collection, candidates)
	return padWithDefaults(survivors, lang), nil
}

// samplePassages embeds seedWordsPerLanguage seed words for lang in
// parallel, queries the top seedTopK chunks for each, drops error-marked
// or short passages, deduplicates, and caps the result at
// maxSamplePassages. Mirrors get_document_chunks.
func (b *Builder) samplePassages(ctx context.Context, collection, lang string) []string {
	words := seedWords[lang]
	if len(words) == 0 {
		words = seedWords["zh"]
	}

	type result struct {
		texts []string
	}
	results := make([]result, len(words))

	var wg sync.WaitGroup
	for i, w := range words {
		wg.Add(1)
		go func(i int, word string) {
			defer wg.Done()
			vec, err := b.embedder.EmbedQuery(ctx, word)
			if err != nil {
				return
			}
			matches, err := b.vectors.Query(ctx, collection, vec, seedTopK, true, true)
			if err != nil {
				return
			}
			var texts []string
			for _, m := range matches {
				text, _ := m.Metadata["text"].(string)
				if isUsablePassage(text) {
					texts = append(texts, text)
				}
			}
			results[i] = result{texts: texts}
		}(i, w)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var passages []string
	for _, r := range results {
		for _, t := range r.texts {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			passages = append(passages, t)
			if len(passages) >= maxSamplePassages {
				return passages
			}
		}
	}
	return passages
}

func isUsablePassage(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minPassageChars {
		return false
	}
	for _, marker := range errorMarkers {
		if strings.Contains(trimmed, marker) || strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return true
}

// generateQuestions asks the LLM for wantedQuestions questions grounded in
// passages and parses the response tolerantly: JSON first, falling back to
// one-question-per-line with numbering/bullets/quotes stripped.
func (b *Builder) generateQuestions(ctx context.Context, passages []string, lang string) []string {
	groundedPassages := trimToTokenBudget(strings.Join(passages, "\n\n---\n\n"), maxContextTokens)
	prompt := fmt.Sprintf(questionPromptTemplate, groundedPassages)

	completion, err := llms.GenerateFromSinglePrompt(ctx, b.model, prompt, llms.WithTemperature(0.7))
	if err != nil {
		return nil
	}

	questions := parseQuestionsJSON(completion)
	if len(questions) == 0 {
		questions = parseQuestionsLines(completion)
	}

	var cleaned []string
	for _, q := range questions {
		q = cleanQuestionLine(q)
		if q == "" {
			continue
		}
		if !strings.HasSuffix(q, "?") && !strings.HasSuffix(q, "？") {
			if lang == "en" {
				q += "?"
			} else {
				q += "？"
			}
		}
		cleaned = append(cleaned, q)
		if len(cleaned) >= wantedQuestions {
			break
		}
	}
	return cleaned
}

func parseQuestionsJSON(raw string) []string {
	text := stripCodeFence(raw)
	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil
	}
	return parsed.Questions
}

var bulletPrefix = regexp.MustCompile(`^\s*(\d+[.、)]|[-*•])\s*`)

func parseQuestionsLines(raw string) []string {
	lines := strings.Split(raw, "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func cleanQuestionLine(q string) string {
	q = bulletPrefix.ReplaceAllString(q, "")
	q = strings.Trim(q, `"'“”‘’ `)
	return strings.TrimSpace(q)
}

// filterAnswerable batch-embeds up to answerabilityBatch candidates once,
// then queries chunks top-1 for each in parallel, keeping only questions
// that hit a usable passage. Mirrors spec.md §4.8 step 3.
func (b *Builder) filterAnswerable(ctx context.Context, collection string, candidates []string) []string {
	if len(candidates) > answerabilityBatch {
		candidates = candidates[:answerabilityBatch]
	}

	vecs, err := b.embedder.EmbedBatch(ctx, candidates)
	if err != nil {
		return nil
	}

	survived := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			matches, err := b.vectors.Query(ctx, collection, vecs[i], 1, true, true)
			if err != nil || len(matches) == 0 {
				return
			}
			text, _ := matches[0].Metadata["text"].(string)
			survived[i] = isUsablePassage(text)
		}(i)
	}
	wg.Wait()

	var out []string
	for i, ok := range survived {
		if ok {
			out = append(out, candidates[i])
		}
	}
	return out
}

func padWithDefaults(survivors []string, lang string) [3]string {
	defaults := defaultQuestions[lang]
	var out [3]string
	n := copy(out[:], survivors)
	for i := n; i < 3; i++ {
		out[i] = defaults[i]
	}
	return out
}

var tokenEncoding = sync.OnceValue(func() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return nil
	}
	return enc
})

// trimToTokenBudget truncates text to at most maxTokens tiktoken tokens,
// mirroring question_generator.py's MAX_CONTEXT_TOKENS trim (done there by
// a 4-chars-per-token estimate; tiktoken-go lets us do it exactly). Falls
// back to returning text unmodified if the encoder failed to load.
func trimToTokenBudget(text string, maxTokens int) string {
	enc := tokenEncoding()
	if enc == nil {
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens]) + "..."
}

func normalizeLanguage(l string) string {
	switch l {
	case "en", "ja":
		return l
	default:
		return "zh"
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx != -1 {
		rest := s[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(s, "```"); idx != -1 {
		rest := s[idx+3:]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return s
}
