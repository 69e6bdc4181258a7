package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// need to initialize pgxpool before any other pgx imports to avoid issues with multiple versions
	// open.ai import llm and llm import pgxpool, so we need to ensure pgxpool is initialized first

	"github.com/jackc/pgx/v5/pgxpool"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/pixell07/multi-tenant-ai/internal/answercache"
	"github.com/pixell07/multi-tenant-ai/internal/api"
	"github.com/pixell07/multi-tenant-ai/internal/auth"
	"github.com/pixell07/multi-tenant-ai/internal/chunkstore"
	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/curatedqa"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/pixell07/multi-tenant-ai/internal/embeddinggw"
	"github.com/pixell07/multi-tenant-ai/internal/followup"
	"github.com/pixell07/multi-tenant-ai/internal/frequentquestions"
	"github.com/pixell07/multi-tenant-ai/internal/generator"
	"github.com/pixell07/multi-tenant-ai/internal/ingest"
	"github.com/pixell07/multi-tenant-ai/internal/orchestrator"
	"github.com/pixell07/multi-tenant-ai/internal/retriever"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// Tenant/admin metadata pool (organizations, users, tenants) — always
	// Postgres regardless of which vector backend is selected.
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to tenant metadata database")

	// Vector Store Adapter: pgvector reference backend, or chromem-go
	// on-disk fallback, selected by USE_PGVECTOR (spec.md §4.2/§6).
	vectors, err := vectorstore.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to init vector store", "error", err)
		os.Exit(1)
	}
	slog.Info("vector store ready", "backend", map[bool]string{true: "pgvector", false: "chromem"}[cfg.UsePGVector])

	// Embedding Gateway: langchaingo's OpenAI embedder behind a single
	// narrow interface (spec.md §4.1), unchanged from the teacher.
	lcEmbedder, err := embedding.NewOpenAIEmbedder(cfg.OpenAIKey)
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	embedder := embeddinggw.New(lcEmbedder)

	// Answer Generator: langchaingo's llms/openai in streaming mode, in
	// place of the teacher's hand-rolled SSE client.
	chatModel, err := lcopenai.New(
		lcopenai.WithToken(cfg.OpenAIKey),
		lcopenai.WithModel(cfg.LLMModel),
	)
	if err != nil {
		slog.Error("failed to create chat model", "error", err)
		os.Exit(1)
	}

	// Question-generation model, used by frequentquestions and the
	// follow-up query expander — may be a smaller/cheaper model than the
	// main chat model (QUESTION_GENERATION_MODEL).
	questionModel, err := lcopenai.New(
		lcopenai.WithToken(cfg.OpenAIKey),
		lcopenai.WithModel(cfg.QuestionGenModel),
	)
	if err != nil {
		slog.Error("failed to create question-generation model", "error", err)
		os.Exit(1)
	}

	tenantRepo := tenant.NewRepository(pool)
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	tenantSvc := tenant.NewService(tenantRepo, jwtManager)

	cache := answercache.New(vectors, embedder, cfg.QACacheEnabled, cfg.QACacheSimilarityThreshold, cfg.QACacheTTLHours)
	qa := curatedqa.New(vectors, embedder, cache, cfg.QAMatchThreshold)
	retr := retriever.New(vectors, embedder, cfg.RetrieveK, cfg.MaxChunks)
	gen := generator.New(chatModel)

	expander := followup.NewExpander(questionModel, cfg.QueryExpansionEnabled)
	recommender := followup.NewRecommender(vectors, embedder, expander, 3, cfg.CosineSimilarityThreshold)

	freqQuestions := frequentquestions.New(vectors, embedder, questionModel)

	chunks := chunkstore.New(vectors, embedder)
	ingestPipeline := ingest.NewPipeline(chunks, 4)

	orch := orchestrator.New(tenantRepo, cache, qa, retr, gen, recommender)

	router := api.NewRouter(api.RouterDeps{
		TenantService:  tenantSvc,
		TenantRepo:     tenantRepo,
		Orchestrator:   orch,
		FreqQuestions:  freqQuestions,
		CuratedQA:      qa,
		IngestPipeline: ingestPipeline,
		Vectors:        vectors,
		JWTManager:     jwtManager,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // longer for SSE streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
