package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrConversationNotFound reports a lookup for an id the store has
// never seen. Non-fatal; the HTTP layer maps it to 404.
var ErrConversationNotFound = errors.New("conversation not found")

// ValidationError reports rejected input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// EmbeddingError reports that the embedding provider failed after the
// gateway exhausted its retries.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding generation failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// RetrievalError reports that relevant chunks could not be determined.
// Distinct from an empty result set, which is a success.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed: %v", e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// CompletionError reports a completion provider failure or timeout.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// ConfigError reports a configuration mismatch that requires operator
// intervention, such as an index whose declared dimension disagrees
// with the configured one.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// RateLimitError carries the denial detail callers need to surface
// accurate backoff guidance.
type RateLimitError struct {
	EndpointClass string
	RetryAfter    time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.EndpointClass, e.RetryAfter)
}
