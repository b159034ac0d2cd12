package types

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/tably/tably/internal/models"
)

// EmbeddingClient is the raw embedding provider. Satisfied by
// langchaingo's ollama.LLM; the gateway in pkg/llm adds retries,
// batching and dimension checks on top.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer is the external completion provider. langchaingo's
// llms.Model satisfies this directly.
type Completer interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// VectorIndex is the external nearest-neighbor index. Upsert returns
// the number of vectors stored and the ids of those that failed;
// partial batch failure is not an error. Query applies the score
// threshold before returning; an empty index yields an empty slice.
type VectorIndex interface {
	Upsert(ctx context.Context, chunks []models.EmbeddedChunk) (int, []string, error)
	Query(ctx context.Context, vector []float64, topK int, scoreThreshold float64, filter *models.QueryFilter) ([]models.SearchResult, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConversationStorage is the durable record backend for conversations,
// one record per id. LoadAll is called once at startup.
type ConversationStorage interface {
	Save(conv *models.Conversation) error
	Delete(id string) error
	LoadAll() ([]*models.Conversation, error)
}
