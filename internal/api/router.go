// Package api is the HTTP surface of spec.md §6: the streaming and
// non-streaming answer endpoints, frequent-questions and chat-config
// endpoints, and the admin hooks for ingestion and curated-QA management.
// Grounded on the teacher's internal/api router (stdlib net/http mux,
// JWT bearer auth middleware, logging middleware), retargeted from
// document/RAG-service handlers to the orchestrator cascade and the
// admin surfaces spec.md §6 calls "out-of-core collaborators".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/auth"
	"github.com/pixell07/multi-tenant-ai/internal/curatedqa"
	"github.com/pixell07/multi-tenant-ai/internal/frequentquestions"
	"github.com/pixell07/multi-tenant-ai/internal/ingest"
	"github.com/pixell07/multi-tenant-ai/internal/orchestrator"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

type contextKey string

const claimsKey contextKey = "claims"

// RouterDeps wires every shared, process-lifetime singleton the HTTP
// handlers need. All fields are required.
type RouterDeps struct {
	TenantService  *tenant.Service
	TenantRepo     *tenant.Repository
	Orchestrator   *orchestrator.Orchestrator
	FreqQuestions  *frequentquestions.Builder
	CuratedQA      *curatedqa.Service
	IngestPipeline *ingest.Pipeline
	Vectors        vectorstore.Store
	JWTManager     *auth.JWTManager
	Logger         *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{deps: deps}

	// Public routes: core question-answering surface, keyed by tenant
	// share token rather than admin session.
	mux.HandleFunc("POST /api/v1/query", h.query)          // SSE streaming
	mux.HandleFunc("POST /api/v1/query/sync", h.querySync) // one-shot JSON
	mux.HandleFunc("POST /api/v1/questions/frequent", h.frequentQuestions)
	mux.HandleFunc("POST /api/v1/chat/config", h.chatConfig)
	mux.HandleFunc("GET  /api/v1/health", h.health)

	// Admin auth (out-of-core collaborators, spec.md §6).
	mux.HandleFunc("POST /api/v1/auth/register", h.register)
	mux.HandleFunc("POST /api/v1/auth/login", h.login)

	// Admin-protected routes, wrapped with JWT bearer middleware.
	protected := http.NewServeMux()
	protected.HandleFunc("POST   /api/v1/admin/knowledge-bases", h.createKnowledgeBase)
	protected.HandleFunc("GET    /api/v1/admin/knowledge-bases", h.listKnowledgeBases)
	protected.HandleFunc("DELETE /api/v1/admin/knowledge-bases/{id}", h.deleteKnowledgeBase)
	protected.HandleFunc("PUT    /api/v1/admin/knowledge-bases/{id}/chat-config", h.updateChatConfig)

	protected.HandleFunc("POST   /api/v1/admin/ingest/file", h.ingestFile)
	protected.HandleFunc("POST   /api/v1/admin/ingest/urls", h.ingestURLs)
	protected.HandleFunc("DELETE /api/v1/admin/documents/{docID}", h.deleteDocument)

	protected.HandleFunc("POST   /api/v1/admin/qa", h.createQA)
	protected.HandleFunc("PUT    /api/v1/admin/qa/{id}", h.updateQA)
	protected.HandleFunc("DELETE /api/v1/admin/qa/{id}", h.deleteQA)
	protected.HandleFunc("POST   /api/v1/admin/qa/bulk-upload", h.bulkUploadQA)

	mux.Handle("/api/v1/admin/", h.authMiddleware(protected))

	return h.loggingMiddleware(mux)
}

type handlers struct {
	deps RouterDeps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// Core answer endpoints (spec.md §6)

type queryRequest struct {
	Query               string   `json:"query"`
	TenantToken         string   `json:"tenant_token"`
	ConversationHistory []string `json:"conversation_history"`
	Language            string   `json:"language"`
}

// query handles the streaming answer endpoint: server-sent events, one
// "data: {chunk}" line per delta, a terminal
// "data: {answer, context, citations, follow_up, done:true}", then
// "data: [DONE]".
func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || req.TenantToken == "" {
		writeError(w, http.StatusBadRequest, "query and tenant_token are required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	writeSSE := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	final := h.deps.Orchestrator.Ask(r.Context(), req.TenantToken, req.Query, req.Language, req.ConversationHistory, func(ev orchestrator.Event) {
		writeSSE(ev)
	})
	writeSSE(final)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// querySync is the non-streaming answer endpoint: same input, a single
// JSON response with the terminal fields only.
func (h *handlers) querySync(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || req.TenantToken == "" {
		writeError(w, http.StatusBadRequest, "query and tenant_token are required")
		return
	}

	final := h.deps.Orchestrator.Ask(r.Context(), req.TenantToken, req.Query, req.Language, req.ConversationHistory, nil)
	if final.Err != "" {
		writeError(w, http.StatusBadGateway, final.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":    final.Answer,
		"context":   final.Context,
		"citations": final.Citations,
		"follow_up": final.FollowUp,
	})
}

type tenantScopedRequest struct {
	TenantToken string `json:"tenant_token"`
	Language    string `json:"language"`
}

func (h *handlers) frequentQuestions(w http.ResponseWriter, r *http.Request) {
	var req tenantScopedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.resolveTenant(r.Context(), w, req.TenantToken)
	if err != nil {
		return
	}

	questions, cached, err := h.deps.FreqQuestions.Get(r.Context(), t.Collection, t.ID, req.Language)
	if err != nil {
		h.deps.Logger.Warn("frequent questions build failed", "tenant", t.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"questions": questions,
		"cached":    cached,
	})
}

func (h *handlers) chatConfig(w http.ResponseWriter, r *http.Request) {
	var req tenantScopedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.resolveTenant(r.Context(), w, req.TenantToken)
	if err != nil {
		return
	}

	questions, _, err := h.deps.FreqQuestions.Get(r.Context(), t.Collection, t.ID, req.Language)
	recommended := []string{}
	if err == nil {
		for _, q := range questions {
			if q != "" {
				recommended = append(recommended, q)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"project_name":          t.ProjectName,
		"avatar_url":            t.AvatarURL,
		"welcome_message":       t.WelcomeMessage,
		"recommended_questions": recommended,
	})
}

func (h *handlers) resolveTenant(ctx context.Context, w http.ResponseWriter, shareTokenOrID string) (*tenant.Tenant, error) {
	if shareTokenOrID == "" {
		writeError(w, http.StatusBadRequest, "tenant_token is required")
		return nil, errors.New("missing tenant_token")
	}
	t, err := h.deps.TenantRepo.Resolve(ctx, shareTokenOrID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tenant")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to resolve tenant")
		}
		return nil, err
	}
	return t, nil
}

// Admin auth

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req tenant.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.deps.TenantService.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req tenant.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.deps.TenantService.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Admin knowledge-base CRUD

func (h *handlers) createKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	kb, err := h.deps.TenantService.CreateKnowledgeBase(r.Context(), claims.OrgID, body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create knowledge base")
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

func (h *handlers) listKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	kbs, err := h.deps.TenantService.ListKnowledgeBases(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list knowledge bases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge_bases": kbs, "count": len(kbs)})
}

func (h *handlers) deleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	id := r.PathValue("id")

	kbs, err := h.deps.TenantService.ListKnowledgeBases(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve knowledge base")
		return
	}
	var collection string
	for _, kb := range kbs {
		if kb.ID == id {
			collection = kb.Collection
		}
	}
	if collection == "" {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}

	for _, coll := range []string{collection, vectorstore.QACollection(collection), vectorstore.QuestionsCollection(collection), vectorstore.CacheCollection(collection)} {
		if err := h.deps.Vectors.DeleteByIDPrefix(r.Context(), coll, ""); err != nil {
			h.deps.Logger.Warn("failed to clear collection on kb delete", "collection", coll, "error", err)
		}
	}

	if err := h.deps.TenantService.DeleteKnowledgeBase(r.Context(), id, claims.OrgID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete knowledge base")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateChatConfig(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	id := r.PathValue("id")

	var body struct {
		ProjectName    string `json:"project_name"`
		AvatarURL      string `json:"avatar_url"`
		WelcomeMessage string `json:"welcome_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.deps.TenantService.UpdateChatConfig(r.Context(), id, claims.OrgID, body.ProjectName, body.AvatarURL, body.WelcomeMessage); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update chat config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin ingestion hooks (spec.md §6: "ingest a file URL or a list of web
// URLs into a tenant collection")

func (h *handlers) ingestFile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	var body struct {
		KnowledgeBaseID string `json:"knowledge_base_id"`
		Source          string `json:"source"`
		Format          string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Source == "" || body.Format == "" {
		writeError(w, http.StatusBadRequest, "source and format are required")
		return
	}

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	docID := ingest.NewDocID()
	h.deps.IngestPipeline.Enqueue(ingest.Job{Collection: collection, DocID: docID, Source: body.Source, Format: body.Format})
	writeJSON(w, http.StatusAccepted, map[string]string{"doc_id": docID})
}

func (h *handlers) ingestURLs(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	var body struct {
		KnowledgeBaseID string   `json:"knowledge_base_id"`
		URLs            []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls are required")
		return
	}

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	docIDs := make([]string, 0, len(body.URLs))
	for _, u := range body.URLs {
		docID := ingest.NewDocID()
		h.deps.IngestPipeline.Enqueue(ingest.Job{Collection: collection, DocID: docID, Source: u, Format: "url"})
		docIDs = append(docIDs, docID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"doc_ids": docIDs})
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	docID := r.PathValue("docID")

	var body struct {
		KnowledgeBaseID string `json:"knowledge_base_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	if err := h.deps.IngestPipeline.DeleteDocument(r.Context(), collection, docID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) collectionForKB(ctx context.Context, orgID, kbID string) (string, error) {
	kbs, err := h.deps.TenantService.ListKnowledgeBases(ctx, orgID)
	if err != nil {
		return "", err
	}
	for _, kb := range kbs {
		if kb.ID == kbID {
			return kb.Collection, nil
		}
	}
	return "", tenant.ErrNotFound
}

// Admin curated-QA hooks

func (h *handlers) createQA(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	var body struct {
		KnowledgeBaseID  string   `json:"knowledge_base_id"`
		Question         string   `json:"question"`
		SimilarQuestions []string `json:"similar_questions"`
		Answer           string   `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Question == "" || body.Answer == "" {
		writeError(w, http.StatusBadRequest, "question and answer are required")
		return
	}

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	item := curatedqa.Item{
		ID:               ingest.NewDocID(),
		Question:         body.Question,
		SimilarQuestions: body.SimilarQuestions,
		Answer:           body.Answer,
	}
	if err := h.deps.CuratedQA.Store(r.Context(), collection, item); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store curated qa")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": item.ID})
}

func (h *handlers) updateQA(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	id := r.PathValue("id")

	var body struct {
		KnowledgeBaseID  string   `json:"knowledge_base_id"`
		Question         string   `json:"question"`
		SimilarQuestions []string `json:"similar_questions"`
		Answer           string   `json:"answer"`
		PreviousAnswer   string   `json:"previous_answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Question == "" || body.Answer == "" {
		writeError(w, http.StatusBadRequest, "question and answer are required")
		return
	}

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	// An edit is a delete-then-store under the same qa_id, matching
	// qa_service.py's update_qa_item: the old vectors and cache entries
	// carrying the previous answer must not survive the edit.
	if err := h.deps.CuratedQA.Delete(r.Context(), collection, id, body.PreviousAnswer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to invalidate previous qa entry")
		return
	}
	item := curatedqa.Item{ID: id, Question: body.Question, SimilarQuestions: body.SimilarQuestions, Answer: body.Answer}
	if err := h.deps.CuratedQA.Store(r.Context(), collection, item); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store curated qa")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteQA(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	id := r.PathValue("id")

	var body struct {
		KnowledgeBaseID string `json:"knowledge_base_id"`
		Answer          string `json:"answer"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	collection, err := h.collectionForKB(r.Context(), claims.OrgID, body.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	if err := h.deps.CuratedQA.Delete(r.Context(), collection, id, body.Answer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete curated qa")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) bulkUploadQA(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	kbID := r.FormValue("knowledge_base_id")
	collection, err := h.collectionForKB(r.Context(), claims.OrgID, kbID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown knowledge base")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	result, err := h.deps.CuratedQA.BulkUpload(r.Context(), collection, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Middleware

func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := h.deps.JWTManager.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.deps.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func claimsFromCtx(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
