package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/tably/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	path := writeConfig(t, `
llm:
  model: llama3
  temperature: 0.2
embedding:
  dimension: 384
retrieval:
  top_k: 10
rate_limits:
  chat:
    quota: 5
    window_seconds: 30
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 5, cfg.RateLimits.Chat.Quota)
	assert.Equal(t, 30, cfg.RateLimits.Chat.WindowSeconds)

	// Unset fields pick up defaults.
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, 2000, cfg.LLM.MaxTokens)
	assert.Equal(t, 0.7, cfg.Retrieval.ScoreThreshold)
	assert.Equal(t, 50, cfg.Conversations.MaxMessages)
	assert.Equal(t, 60, cfg.RateLimits.Conversations.Quota)
	assert.Equal(t, 10, cfg.RateLimits.Cleanup.Quota)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "llm: [not a map")
	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.internal:11434")
	t.Setenv("DATABASE_URL", "postgres://test@localhost/tably")

	path := writeConfig(t, `
llm:
  base_url: http://from-file:11434
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ollama.internal:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "postgres://test@localhost/tably", cfg.Database.URL)
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.Validate())
}

func TestValidate_CollectsErrors(t *testing.T) {
	path := writeConfig(t, `
llm:
  max_tokens: 9000
  temperature: 1.5
retrieval:
  score_threshold: 1.5
rate_limits:
  chat:
    quota: -1
    window_seconds: 60
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	errs := cfg.Validate()
	require.NotEmpty(t, errs)

	fields := make(map[string]bool, len(errs))
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["llm.max_tokens"])
	// The engine rejects temperatures above 1, so validation does too.
	assert.True(t, fields["llm.temperature"])
	assert.True(t, fields["retrieval.score_threshold"])
	assert.True(t, fields["rate_limits.chat.quota"])
}
