// Package generator is the Answer Generator of spec.md §4.6: grounded,
// streaming LLM generation over a retrieved context block, in one of three
// languages. Grounded on the teacher's internal/retrieval.RAGService
// (embed → build prompt → stream) and on
// original_source/backend_py/workflow.py's chat_node / chat_node_stream,
// which carries the same per-language system prompt and empty-context
// fallback messages this package keeps verbatim in translation-equivalent
// Go form. The teacher's hand-rolled SSE client (internal/llm/openai.go) is
// not used here: langchaingo is already a first-class dependency, and its
// llms/openai package streams completions without a second HTTP/SSE layer.
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Language is one of the three languages the system prompt and
// empty-context fallback are translated into.
type Language string

const (
	LangZH Language = "zh"
	LangEN Language = "en"
	LangJA Language = "ja"
)

// normalizeLanguage defaults to Chinese for anything unrecognized, the same
// fallback workflow.py applies.
func normalizeLanguage(l string) Language {
	switch Language(l) {
	case LangEN:
		return LangEN
	case LangJA:
		return LangJA
	default:
		return LangZH
	}
}

var systemPrompts = map[Language]string{
	LangZH: "你是一个专业的知识库助手。请根据以下提供的上下文回答用户的问题。如果上下文中没有相关信息，请诚实地说你不知道。请使用中文回复。\n\n上下文:\n%s",
	LangEN: "You are a professional knowledge base assistant. Answer the user's question using only the context provided below. If there is no relevant information in the context, honestly say you don't know. Respond in English.\n\nContext:\n%s",
	LangJA: "あなたはプロフェッショナルなナレッジベースアシスタントです。以下に提供されたコンテキストに基づいてユーザーの質問に答えてください。コンテキストに関連情報がない場合は、正直にわからないと言ってください。日本語で回答してください。\n\nコンテキスト:\n%s",
}

var emptyContextMessages = map[Language]string{
	LangZH: "抱歉，我在知识库中没有找到与您的问题相关的信息。请尝试：\n1. 使用不同的关键词提问\n2. 确认相关知识库文档已正确上传和索引\n3. 检查查询是否正确",
	LangEN: "Sorry, I couldn't find any relevant information in the knowledge base related to your question. Please try:\n1. Using different keywords\n2. Confirming the relevant documents have been uploaded and indexed\n3. Checking if your query is correct",
	LangJA: "申し訳ありませんが、ナレッジベースにご質問に関連する情報が見つかりませんでした。以下をお試しください：\n1. 異なるキーワードで質問する\n2. 関連ドキュメントがアップロードされ、インデックスされていることを確認する\n3. クエリが正しいか確認する",
}

// EmptyContextMessage returns the fallback message for language when
// retrieval produced no usable context.
func EmptyContextMessage(language string) string {
	return emptyContextMessages[normalizeLanguage(language)]
}

// State names the generation state machine spec.md §4.6 describes.
type State string

const (
	StateIdle         State = "idle"
	StateRetrieving   State = "retrieving"
	StateEmptyContext State = "empty_context"
	StateGenerating   State = "generating"
	StateDone         State = "done"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

// Generator streams grounded completions from an llms.Model.
type Generator struct {
	model llms.Model
}

func New(model llms.Model) *Generator {
	return &Generator{model: model}
}

// Generate streams tokens for the conversation in messages (ordered,
// oldest first, with the current turn's question as the last entry) given
// context over onToken, invoked once per chunk as langchaingo delivers it.
// Entries alternate Human/AI working backward from the last (current)
// entry, the same shape original_source/backend_py/workflow.py builds via
// its LangGraph messages state before invoking the chat prompt. It returns
// the full answer text once streaming completes. A context cancellation
// propagates through ctx and surfaces as ctx.Err() (StateCancelled, in the
// caller's state-machine terms).
func (g *Generator) Generate(ctx context.Context, language, retrievedContext string, messages []string, onToken func(string)) (string, error) {
	lang := normalizeLanguage(language)
	system := fmt.Sprintf(systemPrompts[lang], retrievedContext)

	content := make([]llms.MessageContent, 0, len(messages)+1)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, system))
	for i, m := range messages {
		role := llms.ChatMessageTypeHuman
		if (len(messages)-1-i)%2 == 1 {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m))
	}

	var answer strings.Builder
	_, err := g.model.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			s := string(chunk)
			answer.WriteString(s)
			if onToken != nil {
				onToken(s)
			}
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("generator: stream completion: %w", err)
	}

	return answer.String(), nil
}
