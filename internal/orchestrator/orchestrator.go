// Package orchestrator is the query-time cascade of spec.md §4.9: for each
// user question it coordinates the semantic answer cache, the curated-QA
// matcher, retrieval plus grounded generation, and post-generation
// follow-up/cache-write, while enforcing per-tenant isolation, embedding
// reuse within a request (internal/memo), and the partial-failure policy of
// spec.md §7. Grounded on the teacher's internal/retrieval.RAGService.Query
// for the overall embed→search→generate shape and on
// original_source/backend_py/workflow.py's LangGraph node sequence
// (check_cache → match_qa → retrieve → chat_node_stream → save_cache /
// follow_up), reworked here as a single Go request-scoped task group instead
// of a graph-framework invocation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pixell07/multi-tenant-ai/internal/answercache"
	"github.com/pixell07/multi-tenant-ai/internal/curatedqa"
	"github.com/pixell07/multi-tenant-ai/internal/followup"
	"github.com/pixell07/multi-tenant-ai/internal/generator"
	"github.com/pixell07/multi-tenant-ai/internal/memo"
	"github.com/pixell07/multi-tenant-ai/internal/retriever"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
	"github.com/pixell07/multi-tenant-ai/internal/vectorstore"
)

// cacheWriteGracePeriod bounds how long a fire-and-forget answer-cache
// write is allowed to keep running after the triggering request's context
// is cancelled, per spec.md §7's "allows cache write to finish within a
// short grace period".
const cacheWriteGracePeriod = 10 * time.Second

// Event is one item delivered to a streaming caller: either an answer
// delta (Chunk set) or the terminal event (Done set, carrying the full
// answer, context, citations, and follow-up questions), or a fatal error
// (Err set, Done true). Exactly one of Chunk/Err is meaningful on a
// non-terminal event.
type Event struct {
	Chunk     string           `json:"chunk,omitempty"`
	Answer    string           `json:"answer,omitempty"`
	Context   string           `json:"context,omitempty"`
	Citations []map[string]any `json:"citations,omitempty"`
	FollowUp  []string         `json:"follow_up,omitempty"`
	Cached    bool             `json:"cached,omitempty"`
	Err       string           `json:"error,omitempty"`
	Done      bool             `json:"done,omitempty"`
}

// Orchestrator wires together every tier in the answer path. All fields
// are shared, read-mostly singletons with process lifetime (spec.md §2's
// ownership note); only the per-request memo is request-scoped.
type Orchestrator struct {
	tenants   tenant.Resolver
	cache     *answercache.Cache
	qa        *curatedqa.Service
	retriever *retriever.Retriever
	generator *generator.Generator
	followups *followup.Recommender
}

func New(
	tenants tenant.Resolver,
	cache *answercache.Cache,
	qa *curatedqa.Service,
	retr *retriever.Retriever,
	gen *generator.Generator,
	followups *followup.Recommender,
) *Orchestrator {
	return &Orchestrator{
		tenants:   tenants,
		cache:     cache,
		qa:        qa,
		retriever: retr,
		generator: gen,
		followups: followups,
	}
}

// Ask resolves tenantToken, initializes the request-scoped embedding memo,
// and runs the full cascade, delivering every intermediate chunk to
// onChunk as it is produced and returning the terminal Event. onChunk is
// never called after Ask returns. history is the prior conversation turns,
// oldest first, excluding query itself (spec.md §4.6's conversation_history
// request field); it is consulted only by the generation path, since the
// answer cache and curated-QA matcher key on the current question alone.
//
// Cancelling ctx stops generation and follow-up computation promptly; the
// resulting terminal event carries Err set to ctx.Err()'s message. The
// answer-cache write from a completed generation, if one was in flight, is
// allowed to finish in the background within cacheWriteGracePeriod
// regardless of ctx's cancellation.
func (o *Orchestrator) Ask(ctx context.Context, tenantToken, query, language string, history []string, onChunk func(Event)) Event {
	if onChunk == nil {
		onChunk = func(Event) {}
	}

	t, err := o.tenants.Resolve(ctx, tenantToken)
	if err != nil {
		return errorEvent(fmt.Sprintf("unknown tenant: %v", err))
	}

	if err := vectorstore.ValidateBaseName(t.Collection); err != nil {
		// Pre-flight hard error, before any side effect (spec.md §7).
		return errorEvent(err.Error())
	}

	ctx = memo.WithStore(ctx)
	cacheCollection := vectorstore.CacheCollection(t.Collection)

	if entry, _ := o.cache.Check(ctx, cacheCollection, query, language); entry != nil {
		onChunk(Event{Chunk: entry.Answer})
		return Event{
			Answer:    entry.Answer,
			Context:   entry.Context,
			Citations: entry.Citations,
			FollowUp:  entry.FollowUp,
			Cached:    true,
			Done:      true,
		}
	}

	if match, err := o.qa.Match(ctx, t.Collection, query); err != nil {
		slog.Warn("orchestrator: curated-qa match failed, continuing to retrieval", "tenant", t.ID, "error", err)
	} else if match != nil {
		return o.finishFromCuratedQA(ctx, t.Collection, cacheCollection, query, language, match, onChunk)
	}

	return o.finishFromGeneration(ctx, t.Collection, cacheCollection, query, language, history, onChunk)
}

func (o *Orchestrator) finishFromCuratedQA(ctx context.Context, collection, cacheCollection, query, language string, match *curatedqa.Match, onChunk func(Event)) Event {
	onChunk(Event{Chunk: match.Answer})

	followUp := o.recommendFollowUp(ctx, collection, query, language)

	go o.saveToCache(detach(ctx), cacheCollection, query, match.Answer, "", nil, followUp, language)

	return Event{
		Answer:   match.Answer,
		FollowUp: followUp,
		Done:     true,
	}
}

func (o *Orchestrator) finishFromGeneration(ctx context.Context, collection, cacheCollection, query, language string, history []string, onChunk func(Event)) Event {
	result, err := o.retriever.Retrieve(ctx, collection, query)
	if err != nil {
		// Retriever hard failure: degraded "no information" response in the
		// caller's language, per spec.md §7.
		msg := generator.EmptyContextMessage(language)
		onChunk(Event{Chunk: msg})
		return Event{Answer: msg, Done: true}
	}

	if result.Degraded {
		msg := generator.EmptyContextMessage(language)
		onChunk(Event{Chunk: msg})
		return Event{Answer: msg, Context: result.Context, Citations: citationsToMaps(result.Citations), Done: true}
	}

	messages := append(append([]string{}, history...), query)
	answer, err := o.generator.Generate(ctx, language, result.Context, messages, func(chunk string) {
		onChunk(Event{Chunk: chunk})
	})
	if err != nil {
		return errorEvent(err.Error())
	}

	followUp := o.postGeneration(ctx, collection, cacheCollection, query, language, answer, result)

	return Event{
		Answer:    answer,
		Context:   result.Context,
		Citations: citationsToMaps(result.Citations),
		FollowUp:  followUp,
		Done:      true,
	}
}

// postGeneration runs the two post-generation subtasks spec.md §4.9 step 5
// describes: follow-up computation, which the terminal event waits on, and
// the answer-cache write, which is fire-and-forget and detached from ctx's
// cancellation so it can finish within its own grace period.
func (o *Orchestrator) postGeneration(ctx context.Context, collection, cacheCollection, query, language, answer string, result retriever.Result) []string {
	g, gctx := errgroup.WithContext(ctx)

	var followUp []string
	g.Go(func() error {
		followUp = o.recommendFollowUp(gctx, collection, query, language)
		return nil
	})

	go o.saveToCache(detach(ctx), cacheCollection, query, answer, result.Context, citationsToMaps(result.Citations), nil, language)

	_ = g.Wait()
	return followUp
}

func (o *Orchestrator) recommendFollowUp(ctx context.Context, collection, query, language string) []string {
	if o.followups == nil {
		return nil
	}
	questions, err := o.followups.Recommend(ctx, collection, query, language)
	if err != nil {
		slog.Warn("orchestrator: follow-up recommendation failed", "collection", collection, "error", err)
		return nil
	}
	out := make([]string, len(questions))
	for i, q := range questions {
		out[i] = q.Text
	}
	return out
}

// saveToCache writes the answer-cache entry off the request path. The
// follow-up list passed in is whatever the caller already has: the
// curated-QA path passes its freshly computed list, while the generation
// path passes nil because its cache write starts alongside follow-up
// computation.
func (o *Orchestrator) saveToCache(ctx context.Context, collection, question, answer, answerContext string, citations []map[string]any, followUp []string, language string) {
	ctx, cancel := context.WithTimeout(ctx, cacheWriteGracePeriod)
	defer cancel()
	if err := o.cache.Save(ctx, collection, question, answer, answerContext, citations, followUp, language); err != nil {
		slog.Warn("orchestrator: answer-cache write failed", "collection", collection, "error", err)
	}
}

func citationsToMaps(cs []retriever.Citation) []map[string]any {
	if len(cs) == 0 {
		return nil
	}
	out := make([]map[string]any, len(cs))
	for i, c := range cs {
		out[i] = map[string]any{
			"id":      c.ID,
			"source":  c.Source,
			"content": c.Content,
			"score":   c.Score,
		}
	}
	return out
}

func errorEvent(msg string) Event {
	return Event{Err: msg, Done: true}
}

// detach returns a context that keeps parent's values but carries none of
// its deadline or cancellation; used for the fire-and-forget cache write,
// which must survive the originating request's disconnect and is bounded
// only by saveToCache's own timeout.
func detach(parent context.Context) context.Context {
	return detachedContext{parent}
}

type detachedContext struct {
	parent context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any         { return d.parent.Value(key) }
