// Package followup implements the query expansion and recommended-question
// retrieval of spec.md §4.7: expand the user's question into several
// related phrasings, search the tenant's recommended-questions collection
// with each, then filter and rank the results into a short follow-up list.
// Grounded on original_source/backend_py/query_expander.py (expand_query,
// generate_synonyms, generate_related_queries) and
// question_retriever.py (retrieve_similar_questions,
// filter_follow_up_questions).
package followup

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

const (
	maxSynonyms        = 3
	maxRelated         = 2
	maxExpandedQueries = 5
)

var synonymPrompt = `You are a semantic analysis assistant. Generate 2-3 synonymous phrasings of the following user question.

Requirements:
1. Keep the original meaning, only vary the wording
2. Use the same language as the original question
3. Keep each phrasing concise
4. Do not add new information or change the scope of the question

User question: %s

Respond in JSON: {"synonyms": ["phrasing 1", "phrasing 2"]}
Return only the JSON, no explanation.`

var relatedPrompt = `You are a question analysis assistant. Based on the user's question, generate 2 semantically related questions from different angles.

Requirements:
1. The generated questions should relate to the same topic as the original
2. Ask from a different or more specific angle
3. Use the same language as the original question
4. Each question should end with a question mark

User question: %s

Respond in JSON: {"related": ["related question 1?", "related question 2?"]}
Return only the JSON, no explanation.`

// Expander turns one user question into several related phrasings to
// improve recall when searching the recommended-questions collection.
type Expander struct {
	model   llms.Model
	enabled bool
}

func NewExpander(model llms.Model, enabled bool) *Expander {
	return &Expander{model: model, enabled: enabled}
}

// Expand returns the original query plus up to maxExpandedQueries-1
// LLM-generated variants, deduplicated case-insensitively. Generation
// failures degrade to returning just the original query rather than
// failing the caller — expansion is a recall booster, not a required step.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	if !e.enabled {
		return []string{query}
	}

	var (
		wg                sync.WaitGroup
		synonyms, related []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		synonyms = e.generateSynonyms(ctx, query)
	}()
	go func() {
		defer wg.Done()
		related = e.generateRelated(ctx, query)
	}()
	wg.Wait()

	expanded := append([]string{query}, synonyms...)
	expanded = append(expanded, related...)

	seen := make(map[string]struct{}, len(expanded))
	var unique []string
	for _, q := range expanded {
		norm := strings.ToLower(strings.TrimSpace(q))
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		unique = append(unique, strings.TrimSpace(q))
	}

	if len(unique) > maxExpandedQueries {
		unique = unique[:maxExpandedQueries]
	}
	return unique
}

func (e *Expander) generateSynonyms(ctx context.Context, query string) []string {
	out := e.completeJSON(ctx, synonymPrompt, query, 0.3, "synonyms")
	if len(out) > maxSynonyms {
		out = out[:maxSynonyms]
	}
	return out
}

func (e *Expander) generateRelated(ctx context.Context, query string) []string {
	out := e.completeJSON(ctx, relatedPrompt, query, 0.5, "related")
	if len(out) > maxRelated {
		out = out[:maxRelated]
	}
	return out
}

// completeJSON runs one expansion prompt and pulls a string list out of the
// model's JSON response, tolerating a markdown code fence around it the
// way original_source's result_text parsing does. Any failure (bad JSON,
// model error) yields an empty slice rather than propagating.
func (e *Expander) completeJSON(ctx context.Context, promptTemplate, query string, temperature float64, field string) []string {
	prompt := sprintfPrompt(promptTemplate, query)

	completion, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt, llms.WithTemperature(temperature))
	if err != nil {
		return nil
	}

	text := stripCodeFence(completion)

	var parsed map[string][]string
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil
	}
	return parsed[field]
}

func sprintfPrompt(template, query string) string {
	return strings.Replace(template, "%s", query, 1)
}

// stripCodeFence removes a leading ```json or ``` fence and trailing ```,
// matching query_expander.py's markdown-fence handling.
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
