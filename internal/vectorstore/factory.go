package vectorstore

import (
	"context"
	"fmt"

	"github.com/pixell07/multi-tenant-ai/internal/config"
)

// New selects and opens the backend named by cfg, mirroring
// fyrsmithlabs-contextd's internal/vectorstore/factory.go NewStore: a single
// switch at the edge of the process so nothing above this package ever
// branches on which backend is live.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.UsePGVector {
		store, err := NewPGVectorStore(ctx, cfg.PGVectorDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: pgvector backend: %w", err)
		}
		return store, nil
	}

	store, err := NewChromemStore(cfg.ChromemDataDir)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: chromem backend: %w", err)
	}
	return store, nil
}
