package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 1",
		})
	}

	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive",
		})
	}

	if c.Embedding.MaxRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.max_retries",
			Message: "max_retries must be positive",
		})
	}

	if c.Embedding.BatchRate <= 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_rate",
			Message: "batch_rate must be positive",
		})
	}

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Database.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Chunker.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "chunker.max_tokens",
			Message: "max_tokens must be positive",
		})
	}

	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be positive",
		})
	}

	if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.score_threshold",
			Message: "score_threshold must be between 0 and 1",
		})
	}

	if c.Conversations.MaxMessages < 1 {
		errors = append(errors, ValidationError{
			Field:   "conversations.max_messages",
			Message: "max_messages must be positive",
		})
	}

	if c.Conversations.RetentionDays < 1 {
		errors = append(errors, ValidationError{
			Field:   "conversations.retention_days",
			Message: "retention_days must be positive",
		})
	}

	for _, quota := range []struct {
		name string
		cfg  QuotaConfig
	}{
		{"rate_limits.chat", c.RateLimits.Chat},
		{"rate_limits.conversations", c.RateLimits.Conversations},
		{"rate_limits.cleanup", c.RateLimits.Cleanup},
	} {
		if quota.cfg.Quota < 1 {
			errors = append(errors, ValidationError{
				Field:   quota.name + ".quota",
				Message: "quota must be positive",
			})
		}
		if quota.cfg.WindowSeconds < 1 {
			errors = append(errors, ValidationError{
				Field:   quota.name + ".window_seconds",
				Message: "window_seconds must be positive",
			})
		}
	}

	return errors
}
