package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorStore is the reference Vector Store Adapter backend: a single
// Postgres table with a pgvector-extended "embedding" column, partitioned
// by collection name. The teacher delegates this entirely to langchaingo's
// pgvector.Store; this adapter talks pgx + pgvector-go directly so the core
// can express get_or_create / upsert / query / delete_by_prefix uniformly
// across both backends (see spec.md §4.2 and §9's "factor the branch out"
// design note).
type PGVectorStore struct {
	pool *pgxpool.Pool
}

const pgvectorTable = "kb_vectors"

// NewPGVectorStore wires a pool that has pgvector.RegisterTypes run on every
// new connection (via pgxpool.Config.AfterConnect), as pgvector-go's own
// documentation recommends for pgx v5 pools.
func NewPGVectorStore(ctx context.Context, connURL string) (*PGVectorStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse pgvector dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect pgvector: %w", err)
	}

	s := &PGVectorStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGVectorStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding vector NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (collection, id)
		)`, pgvectorTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PGVectorStore) Close() { s.pool.Close() }

// GetOrCreate is a no-op beyond ensureSchema: the shared table already
// accepts any collection name; dim is not enforced per-collection since
// pgvector's unconstrained vector column accepts any length and callers are
// expected to be internally consistent (all chunk/QA/question embeddings
// come from the same embedding model, per spec.md §3).
func (s *PGVectorStore) GetOrCreate(ctx context.Context, name string, dim int) error {
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, name string, records []Record) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		meta := CleanMetadata(r.Metadata)
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("vectorstore: marshal metadata for %s: %w", r.ID, err)
		}
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (collection, id, embedding, metadata)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (collection, id) DO UPDATE
				SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`, pgvectorTable),
			name, r.ID, pgvector.NewVector(r.Vector), metaJSON,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("vectorstore: upsert into %s: %w", name, err)
		}
	}
	return nil
}

func (s *PGVectorStore) Query(ctx context.Context, name string, vector []float32, k int, includeScore, includeMetadata bool) ([]Match, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score, metadata
		FROM %s
		WHERE collection = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvectorTable),
		pgvector.NewVector(vector), name, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query %s: %w", name, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id       string
			score    float64
			metaJSON []byte
		)
		if err := rows.Scan(&id, &score, &metaJSON); err != nil {
			return nil, fmt.Errorf("vectorstore: scan %s: %w", name, err)
		}
		m := Match{ID: id}
		if includeScore {
			m.Score = float32(score)
		}
		if includeMetadata {
			var meta map[string]any
			if err := json.Unmarshal(metaJSON, &meta); err != nil {
				return nil, fmt.Errorf("vectorstore: unmarshal metadata %s: %w", id, err)
			}
			m.Metadata = meta
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PGVectorStore) DeleteByIDPrefix(ctx context.Context, name, prefix string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id LIKE $2`, pgvectorTable),
		name, prefix+"%",
	)
	if err != nil {
		return fmt.Errorf("vectorstore: delete prefix %s/%s: %w", name, prefix, err)
	}
	return nil
}

var _ Store = (*PGVectorStore)(nil)
