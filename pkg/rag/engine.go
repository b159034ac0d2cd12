package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/internal/types"
	"github.com/tably/tably/pkg/convo"
)

// Request pipeline stages. Every stage can fall through to error.
const (
	StageReceived       = "received"
	StageEmbeddingQuery = "embedding_query"
	StageRetrieval      = "retrieval"
	StageBuildingPrompt = "building_prompt"
	StageCompleting     = "completing"
	StagePersisting     = "persisting"
	StageDone           = "done"
	StageError          = "error"
)

// ProgressEvent is a pipeline progress notification, consumed by the
// WebSocket layer for UI feedback during long-running retrieval.
type ProgressEvent struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp float64                `json:"timestamp"`
}

// ProgressFunc receives pipeline events. It must not block.
type ProgressFunc func(ProgressEvent)

// QueryEmbedder is the slice of the embedding gateway the engine uses.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CompletionEngine generates a reply from an assembled message
// sequence.
type CompletionEngine interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

const defaultSystemPrompt = "You are a helpful assistant for a restaurant information system. " +
	"Use the provided context to answer questions about restaurants, their menus, " +
	"and related information. If you're not sure about something, say so rather " +
	"than making assumptions. Maintain a natural conversation flow while staying " +
	"focused on restaurant-related information."

type Config struct {
	TopK              int
	ScoreThreshold    float64
	ContextWindowSize int
	SystemPrompt      string
}

// Engine is the top-level use case: embed a query, retrieve context,
// assemble a prompt with conversation history, complete, and commit
// the exchange. It holds conversation ids, never conversation
// references, across provider calls.
type Engine struct {
	config   Config
	embedder QueryEmbedder
	index    types.VectorIndex
	convos   *convo.Store
	chat     CompletionEngine
}

func NewEngine(config Config, embedder QueryEmbedder, index types.VectorIndex, convos *convo.Store, chat CompletionEngine) *Engine {
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.ScoreThreshold == 0 {
		config.ScoreThreshold = 0.7
	}
	if config.ContextWindowSize == 0 {
		config.ContextWindowSize = 5
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}

	return &Engine{
		config:   config,
		embedder: embedder,
		index:    index,
		convos:   convos,
		chat:     chat,
	}
}

type QueryRequest struct {
	Query          string
	TopK           int
	ScoreThreshold *float64 // nil uses the configured default
	Filter         *models.QueryFilter
}

// Query embeds the query and returns matching chunks sorted by score
// descending. An empty result set is a success; a provider failure is
// a RetrievalError.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]models.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &models.ValidationError{Field: "query", Reason: "cannot be empty"}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = e.config.TopK
	}
	threshold := e.config.ScoreThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
	}

	vector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, &models.RetrievalError{Err: err}
	}

	results, err := e.index.Query(ctx, vector, topK, threshold, req.Filter)
	if err != nil {
		return nil, &models.RetrievalError{Err: err}
	}

	sortByScore(results)
	return results, nil
}

type ChatRequest struct {
	Query             string
	ConversationID    string // empty starts a new conversation
	ContextWindowSize int
	Filter            *models.QueryFilter
	Progress          ProgressFunc
}

type ChatResult struct {
	Response        string
	ConversationID  string
	RetrievedChunks []models.SearchResult
}

// Chat runs the full pipeline. Nothing is persisted until the
// completion provider has answered: recording a user turn with no
// reply would break the alternating-role shape completion providers
// expect, so a failed completion leaves the conversation untouched.
// That is deliberate policy, not an oversight.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	emit := func(eventType string, data map[string]interface{}) {
		if req.Progress != nil {
			req.Progress(ProgressEvent{
				Type:      eventType,
				Data:      data,
				Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
			})
		}
	}
	fail := func(err error) (*ChatResult, error) {
		emit(StageError, map[string]interface{}{"message": err.Error()})
		return nil, err
	}

	if strings.TrimSpace(req.Query) == "" {
		return fail(&models.ValidationError{Field: "query", Reason: "cannot be empty"})
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	windowSize := req.ContextWindowSize
	if windowSize <= 0 {
		windowSize = e.config.ContextWindowSize
	}

	emit(StageReceived, map[string]interface{}{"conversation_id": conversationID})

	// No conversation mutation has happened yet, so an embedding or
	// retrieval failure fails the whole request cleanly.
	emit(StageEmbeddingQuery+"_started", map[string]interface{}{"progress": 0})
	vector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return fail(&models.RetrievalError{Err: err})
	}
	emit(StageEmbeddingQuery+"_completed", map[string]interface{}{"progress": 100})

	emit(StageRetrieval+"_started", map[string]interface{}{"progress": 0})
	chunks, err := e.index.Query(ctx, vector, e.config.TopK, e.config.ScoreThreshold, req.Filter)
	if err != nil {
		return fail(&models.RetrievalError{Err: err})
	}
	sortByScore(chunks)
	emit(StageRetrieval+"_completed", map[string]interface{}{
		"progress": 100,
		"chunks":   len(chunks),
	})

	emit(StageBuildingPrompt, nil)
	if _, err := e.convos.GetOrCreate(conversationID); err != nil {
		return fail(fmt.Errorf("failed to open conversation: %w", err))
	}
	window, err := e.convos.ContextWindow(conversationID, windowSize)
	if err != nil {
		return fail(fmt.Errorf("failed to read conversation window: %w", err))
	}

	prompt := e.buildPrompt(req.Query, chunks, window)

	emit(StageCompleting+"_started", map[string]interface{}{"progress": 0})
	response, err := e.chat.Complete(ctx, prompt)
	if err != nil {
		if _, ok := err.(*models.CompletionError); ok {
			return fail(err)
		}
		return fail(&models.CompletionError{Err: err})
	}
	emit(StageCompleting+"_completed", map[string]interface{}{"progress": 100})

	// User turn first, then the reply, both under the store's per-id
	// serialization.
	emit(StagePersisting, nil)
	err = e.convos.AppendMessage(conversationID, models.RoleUser, req.Query, map[string]interface{}{
		"type":           "user_query",
		"context_chunks": len(chunks),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to record user message: %w", err))
	}
	err = e.convos.AppendMessage(conversationID, models.RoleAssistant, response, map[string]interface{}{
		"type": "assistant_response",
	})
	if err != nil {
		return fail(fmt.Errorf("failed to record assistant message: %w", err))
	}
	emit(StageDone, nil)

	return &ChatResult{
		Response:        response,
		ConversationID:  conversationID,
		RetrievedChunks: chunks,
	}, nil
}

// buildPrompt assembles: system instructions, a context block with
// source attribution, the conversation window in order, then the new
// user query.
func (e *Engine) buildPrompt(query string, chunks []models.SearchResult, window []models.Message) []models.Message {
	messages := make([]models.Message, 0, len(window)+3)
	messages = append(messages, models.Message{
		Role:    models.RoleSystem,
		Content: e.config.SystemPrompt,
	})

	if len(chunks) > 0 {
		var b strings.Builder
		b.WriteString("Relevant context:\n")
		for i, chunk := range chunks {
			fmt.Fprintf(&b, "Context %d (%s):\n%s\n", i+1, sourceLabel(chunk.Metadata), chunk.Metadata.Text)
		}
		messages = append(messages, models.Message{
			Role:    models.RoleSystem,
			Content: b.String(),
		})
	}

	messages = append(messages, window...)
	messages = append(messages, models.Message{
		Role:    models.RoleUser,
		Content: query,
	})
	return messages
}

func sourceLabel(meta models.ChunkMetadata) string {
	switch meta.Type {
	case models.TypeMenuItem:
		return fmt.Sprintf("%s, %s", meta.RestaurantName, meta.ItemName)
	case models.TypeRestaurantOverview:
		return meta.RestaurantName
	case models.TypeArticle:
		return meta.Source
	default:
		return meta.Type
	}
}

// sortByScore orders results by score descending for prompt inclusion.
// The sort is stable so provider order survives among equal scores.
func sortByScore(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
