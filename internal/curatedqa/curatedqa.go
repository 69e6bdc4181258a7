// Package curatedqa is the Curated QA Matcher of spec.md §4.4: an
// editor-maintained set of question/answer pairs that short-circuits
// retrieval+generation when a user's question matches a curated entry
// closely enough. Grounded on original_source/backend_py/qa_service.py's
// QAService (store_qa_to_vector / match_qa / XLSX batch_upload), reworked
// onto the Vector Store Adapter.
package curatedqa

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pixell07/multi-tenant-ai/internal/answercache"
	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
	"github.com/xuri/excelize/v2"
)

// Item is one curated QA entry, a main question plus zero or more
// paraphrases that should all resolve to the same answer.
type Item struct {
	ID                string
	Question          string
	SimilarQuestions  []string
	Answer            string
}

// Match is a successful curated-QA lookup.
type Match struct {
	ID       string
	Question string
	Answer   string
	Score    float32
}

// Service manages the curated QA collection for one tenant's vector
// backend, plus invalidation of cached answers when entries change.
type Service struct {
	vectors   vectorstore.Store
	embedder  embeddinggw.Gateway
	cache     *answercache.Cache
	threshold float64
}

func New(vectors vectorstore.Store, embedder embeddinggw.Gateway, cache *answercache.Cache, matchThreshold float64) *Service {
	return &Service{vectors: vectors, embedder: embedder, cache: cache, threshold: matchThreshold}
}

// Match looks up the closest curated QA entry for query in collection's
// derived QA collection, returning nil if nothing clears the match
// threshold. Mirrors qa_service.py's match_qa.
func (s *Service) Match(ctx context.Context, collection, query string) (*Match, error) {
	if err := vectorstore.ValidateBaseName(collection); err != nil {
		return nil, err
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("curatedqa: embed query: %w", err)
	}

	matches, err := s.vectors.Query(ctx, vectorstore.QACollection(collection), vec, 1, true, true)
	if err != nil || len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	if float64(best.Score) < s.threshold {
		return nil, nil
	}

	qaID, _ := best.Metadata["qa_id"].(string)
	question, _ := best.Metadata["question"].(string)
	answer, _ := best.Metadata["answer"].(string)

	return &Match{ID: qaID, Question: question, Answer: answer, Score: best.Score}, nil
}

// Store indexes item's main question and every paraphrase into the QA
// collection, one vector per question text, all sharing item's metadata
// (qa_service.py's store_qa_to_vector). Record IDs follow
// "{qa_collection}_{qa_id}_{i}", the same convention original_source uses
// so DeleteByIDPrefix can remove them all on edit or delete.
func (s *Service) Store(ctx context.Context, collection string, item Item) error {
	if err := vectorstore.ValidateBaseName(collection); err != nil {
		return err
	}

	qaCollection := vectorstore.QACollection(collection)
	questions := append([]string{item.Question}, item.SimilarQuestions...)

	vecs, err := s.embedder.EmbedBatch(ctx, questions)
	if err != nil {
		return fmt.Errorf("curatedqa: embed questions: %w", err)
	}

	records := make([]vectorstore.Record, len(questions))
	for i, q := range questions {
		records[i] = vectorstore.Record{
			ID:     fmt.Sprintf("%s_%s_%d", qaCollection, item.ID, i),
			Vector: vecs[i],
			Metadata: map[string]any{
				"qa_id":    item.ID,
				"question": vectorstore.StripNulls(q),
				"answer":   vectorstore.StripNulls(item.Answer),
				"is_main":  i == 0,
				"text":     vectorstore.StripNulls(q),
			},
		}
	}

	if err := s.vectors.GetOrCreate(ctx, qaCollection, len(vecs[0])); err != nil {
		return fmt.Errorf("curatedqa: get-or-create %s: %w", qaCollection, err)
	}
	return s.vectors.Upsert(ctx, qaCollection, records)
}

// Delete removes every vector for a curated QA entry and purges any
// semantic-cache entries carrying its answer, mirroring qa_service.py's
// delete_qa_item (_delete_qa_vectors + _delete_qa_cache).
func (s *Service) Delete(ctx context.Context, collection, qaID, answer string) error {
	qaCollection := vectorstore.QACollection(collection)
	if err := s.vectors.DeleteByIDPrefix(ctx, qaCollection, fmt.Sprintf("%s_%s_", qaCollection, qaID)); err != nil {
		return fmt.Errorf("curatedqa: delete vectors for %s: %w", qaID, err)
	}
	if s.cache != nil {
		if err := s.cache.ClearByAnswer(ctx, vectorstore.CacheCollection(collection), answer); err != nil {
			return fmt.Errorf("curatedqa: clear cache for %s: %w", qaID, err)
		}
	}
	return nil
}

// ParsedRow is one row of a bulk-uploaded QA spreadsheet.
type ParsedRow struct {
	Row              int
	Question         string
	SimilarQuestions []string
	Answer           string
}

// ParseXLSX parses an uploaded spreadsheet the way qa_service.py's
// parse_xlsx does: header rows 1-2 are skipped, column A holds the main
// question plus any `|`-separated paraphrases, column B holds the answer.
// Grounded on the same bulk-upload convention; reads with excelize in
// place of openpyxl.
func ParseXLSX(r io.Reader) (rows []ParsedRow, errs []string, err error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("curatedqa: open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	allRows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("curatedqa: read sheet: %w", err)
	}

	for i, cells := range allRows {
		rowNum := i + 1
		if rowNum < 3 {
			continue
		}
		if len(cells) == 0 {
			continue
		}

		var question, answer string
		if len(cells) > 0 {
			question = strings.TrimSpace(cells[0])
		}
		if len(cells) > 1 {
			answer = strings.TrimSpace(cells[1])
		}
		if question == "" || answer == "" {
			errs = append(errs, fmt.Sprintf("row %d: question or answer is empty", rowNum))
			continue
		}

		parts := strings.Split(question, "|")
		var questions []string
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				questions = append(questions, t)
			}
		}
		if len(questions) == 0 {
			errs = append(errs, fmt.Sprintf("row %d: no valid questions", rowNum))
			continue
		}

		rows = append(rows, ParsedRow{
			Row:              rowNum,
			Question:         questions[0],
			SimilarQuestions: questions[1:],
			Answer:           answer,
		})
	}
	return rows, errs, nil
}

// BulkUploadResult summarizes a batch_upload run.
type BulkUploadResult struct {
	Total        int
	SuccessCount int
	FailedCount  int
	ParseErrors  []string
}

// BulkUpload parses an uploaded spreadsheet and stores every valid row as a
// curated QA item, mirroring qa_service.py's batch_upload.
func (s *Service) BulkUpload(ctx context.Context, collection string, r io.Reader) (BulkUploadResult, error) {
	rows, parseErrs, err := ParseXLSX(r)
	if err != nil {
		return BulkUploadResult{}, err
	}

	result := BulkUploadResult{Total: len(rows), ParseErrors: parseErrs}
	for _, row := range rows {
		item := Item{
			ID:               uuid.NewString(),
			Question:         row.Question,
			SimilarQuestions: row.SimilarQuestions,
			Answer:           row.Answer,
		}
		if err := s.Store(ctx, collection, item); err != nil {
			result.FailedCount++
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}
