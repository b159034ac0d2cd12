package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/internal/types"
)

// EmbedderConfig configures the embedding gateway.
type EmbedderConfig struct {
	Model      string
	BaseURL    string // Ollama server URL
	Dimension  int    // expected vector dimension, 0 disables the check
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
	BatchRate  float64 // embedding batches per second against the provider
}

// Embedder converts text to fixed-dimension vectors through an
// external provider, with bounded retries and batch pacing.
type Embedder struct {
	config  EmbedderConfig
	client  types.EmbeddingClient
	limiter *rate.Limiter
}

// NewEmbedderWithConfig connects the gateway to an Ollama-served
// embedding model.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	client, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	return NewEmbedderWithClient(config, client), nil
}

// NewEmbedderWithClient builds the gateway around an existing provider
// client.
func NewEmbedderWithClient(config EmbedderConfig, client types.EmbeddingClient) *Embedder {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.BatchRate == 0 {
		config.BatchRate = 2 // 2 batches per second by default
	}

	return &Embedder{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.BatchRate), 1),
	}
}

// Dimension returns the configured vector dimension.
func (e *Embedder) Dimension() int { return e.config.Dimension }

// Embed returns the embedding vector for a single text. Transient
// provider failures are retried up to the configured bound with
// exponential backoff; exhaustion surfaces as an EmbeddingError. A
// vector of the wrong dimension is a configuration fault and is never
// retried.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &models.ValidationError{Field: "text", Reason: "cannot be empty"}
	}

	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &models.EmbeddingError{Err: ctx.Err()}
			case <-time.After(e.retryDelay(attempt)):
			}
		}

		vectors, err := e.client.CreateEmbedding(ctx, []string{text})
		if err != nil {
			lastErr = err
			continue
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			lastErr = fmt.Errorf("provider returned no embedding")
			continue
		}

		if err := e.checkDimension(vectors[0]); err != nil {
			return nil, err
		}
		return toFloat64(vectors[0]), nil
	}

	return nil, &models.EmbeddingError{Err: lastErr}
}

// EmbedBatch embeds texts in fixed-size batches. A batch that fails
// after retries leaves nil in every one of its slots while later
// batches still proceed, so large indexing jobs are not all-or-nothing.
// Batches are paced against the provider's quota. progress, when
// non-nil, receives each batch's size as the batch finishes, whether it
// succeeded or not.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, progress func(n int)) [][]float64 {
	results := make([][]float64, len(texts))
	batchSize := e.config.BatchSize

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := e.limiter.Wait(ctx); err != nil {
			log.Printf("embedding batch %d-%d aborted: %v", start, end, err)
			return results
		}

		vectors, err := e.embedBatchOnce(ctx, batch)
		if err != nil {
			log.Printf("embedding batch %d-%d failed: %v", start, end, err)
		} else {
			for i, vec := range vectors {
				if err := e.checkDimension(vec); err != nil {
					log.Printf("embedding batch %d-%d: %v", start, end, err)
					continue
				}
				results[start+i] = toFloat64(vec)
			}
		}

		if progress != nil {
			progress(len(batch))
		}
	}

	return results
}

func (e *Embedder) embedBatchOnce(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay(attempt)):
			}
		}

		vectors, err := e.client.CreateEmbedding(ctx, batch)
		if err != nil {
			lastErr = err
			continue
		}
		if len(vectors) != len(batch) {
			lastErr = fmt.Errorf("provider returned %d embeddings for %d texts", len(vectors), len(batch))
			continue
		}
		return vectors, nil
	}
	return nil, lastErr
}

func (e *Embedder) checkDimension(vec []float32) error {
	if e.config.Dimension > 0 && len(vec) != e.config.Dimension {
		return &models.ConfigError{
			Reason: fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.config.Dimension, len(vec)),
		}
	}
	return nil
}

// retryDelay doubles the base delay per attempt, capped at 30s.
func (e *Embedder) retryDelay(attempt int) time.Duration {
	d := e.config.RetryDelay << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
