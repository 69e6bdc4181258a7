package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/pixell07/multi-tenant-ai/internal/chunkstore"
)

// Job is one document to load, split, and index, enqueued by the admin
// ingest hook (spec.md §6's "ingest a file URL or a list of web URLs").
type Job struct {
	Collection string
	DocID      string
	Source     string // file path or URL; for "txt", the text itself
	Format     string // "txt" | "url" | "pdf" | "docx" | "xlsx" | "pptx"
}

// Pipeline loads, splits, and indexes documents into a tenant's chunk
// collection. Grounded on the teacher's internal/document.Service: the
// same fixed worker-pool shape and textsplitter.NewRecursiveCharacter
// call, retargeted at internal/chunkstore instead of langchaingo's
// pgvector store.
type Pipeline struct {
	store    *chunkstore.Store
	jobs     chan Job
	splitter textsplitter.TextSplitter
}

func NewPipeline(store *chunkstore.Store, workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	p := &Pipeline{
		store: store,
		jobs:  make(chan Job, 256),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(512),
			textsplitter.WithChunkOverlap(64),
		),
	}
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Enqueue queues job for background processing, returning immediately.
// If the queue is full the job is dropped with a log line; Enqueue reports
// nothing back, so the caller is not told — the teacher's Service.Upload
// applies the same non-blocking
// policy rather than backpressuring the HTTP request.
func (p *Pipeline) Enqueue(job Job) {
	select {
	case p.jobs <- job:
	default:
		slog.Warn("ingest queue full, job dropped", "collection", job.Collection, "doc_id", job.DocID)
	}
}

func (p *Pipeline) worker(id int) {
	slog.Info("ingest worker started", "worker_id", id)
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := p.run(ctx, job); err != nil {
			slog.Error("ingest job failed", "collection", job.Collection, "doc_id", job.DocID, "error", err)
		}
		cancel()
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) error {
	loader, err := ForExtension(job.Format)
	if err != nil {
		return err
	}

	docs, err := loader.Load(ctx, job.Source)
	if err != nil {
		return fmt.Errorf("ingest: load %s: %w", job.Source, err)
	}

	var chunks []chunkstore.Chunk
	for _, doc := range docs {
		pieces, err := p.splitter.SplitText(doc.Text)
		if err != nil {
			slog.Error("ingest: split failed", "doc_id", job.DocID, "error", err)
			continue
		}
		for i, piece := range pieces {
			meta := map[string]any{}
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			chunks = append(chunks, chunkstore.Chunk{
				ID:       fmt.Sprintf("%s_%d", job.DocID, i),
				Text:     piece,
				Metadata: meta,
			})
		}
	}

	indexed, skipped, err := p.store.Upsert(ctx, job.Collection, chunks)
	if err != nil {
		return err
	}
	slog.Info("ingest job completed", "collection", job.Collection, "doc_id", job.DocID, "indexed", indexed, "skipped", skipped)
	return nil
}

// DeleteDocument removes every chunk belonging to docID from collection.
func (p *Pipeline) DeleteDocument(ctx context.Context, collection, docID string) error {
	return p.store.DeleteDocument(ctx, collection, docID+"_")
}

// NewDocID generates a fresh document ID for a newly ingested source.
func NewDocID() string {
	return uuid.NewString()
}
