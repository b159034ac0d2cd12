package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/internal/types"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string // Ollama server URL
}

// ChatEngine wraps the external completion provider and translates
// conversation messages into provider calls.
type ChatEngine struct {
	config ChatConfig
	llm    types.Completer
}

// NewWithConfig creates a ChatEngine backed by an Ollama-served model.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewWithClient(config, llm), nil
}

// NewWithClient creates a ChatEngine around an existing provider.
func NewWithClient(config ChatConfig, client types.Completer) *ChatEngine {
	return &ChatEngine{config: config, llm: client}
}

// Complete sends the assembled message sequence to the completion
// provider and returns the generated text. Provider failures surface
// as CompletionError; they are not retried here.
func (ce *ChatEngine) Complete(ctx context.Context, messages []models.Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	response, err := ce.llm.GenerateContent(ctx, content,
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens))
	if err != nil {
		return "", &models.CompletionError{Err: err}
	}
	if response == nil || len(response.Choices) == 0 {
		return "", &models.CompletionError{Err: fmt.Errorf("provider returned no choices")}
	}

	return strings.TrimSpace(response.Choices[0].Content), nil
}

func chatMessageType(role string) schema.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return schema.ChatMessageTypeSystem
	case models.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}
