package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EmbeddingConfig struct {
	Model      string  `yaml:"model"`
	Dimension  int     `yaml:"dimension"`
	MaxRetries int     `yaml:"max_retries"`
	BatchSize  int     `yaml:"batch_size"`
	BatchRate  float64 `yaml:"batch_rate"` // batches per second
}

type DatabaseConfig struct {
	URL       string `yaml:"url"`
	TableName string `yaml:"table_name"`
	BatchSize int    `yaml:"batch_size"`
}

type ChunkerConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

type ConversationsConfig struct {
	StorageDir    string `yaml:"storage_dir"`
	MaxMessages   int    `yaml:"max_messages"`
	ContextWindow int    `yaml:"context_window"`
	RetentionDays int    `yaml:"retention_days"`
}

type QuotaConfig struct {
	Quota         int `yaml:"quota"`
	WindowSeconds int `yaml:"window_seconds"`
}

type RateLimitConfig struct {
	Chat          QuotaConfig `yaml:"chat"`
	Conversations QuotaConfig `yaml:"conversations"`
	Cleanup       QuotaConfig `yaml:"cleanup"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Database      DatabaseConfig      `yaml:"database"`
	Chunker       ChunkerConfig       `yaml:"chunker"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Conversations ConversationsConfig `yaml:"conversations"`
	RateLimits    RateLimitConfig     `yaml:"rate_limits"`
	Server        ServerConfig        `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/tably/config.yaml"),
			"/etc/tably/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}

	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 768
	}
	if config.Embedding.MaxRetries == 0 {
		config.Embedding.MaxRetries = 3
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 100
	}
	if config.Embedding.BatchRate == 0 {
		config.Embedding.BatchRate = 2.0
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "chunks"
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}

	if config.Chunker.MaxTokens == 0 {
		config.Chunker.MaxTokens = 500
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}
	if config.Retrieval.ScoreThreshold == 0 {
		config.Retrieval.ScoreThreshold = 0.7
	}

	if config.Conversations.StorageDir == "" {
		config.Conversations.StorageDir = "data/conversations"
	}
	if config.Conversations.MaxMessages == 0 {
		config.Conversations.MaxMessages = 50
	}
	if config.Conversations.ContextWindow == 0 {
		config.Conversations.ContextWindow = 5
	}
	if config.Conversations.RetentionDays == 0 {
		config.Conversations.RetentionDays = 30
	}

	if config.RateLimits.Chat.Quota == 0 {
		config.RateLimits.Chat.Quota = 30
	}
	if config.RateLimits.Chat.WindowSeconds == 0 {
		config.RateLimits.Chat.WindowSeconds = 60
	}
	if config.RateLimits.Conversations.Quota == 0 {
		config.RateLimits.Conversations.Quota = 60
	}
	if config.RateLimits.Conversations.WindowSeconds == 0 {
		config.RateLimits.Conversations.WindowSeconds = 60
	}
	if config.RateLimits.Cleanup.Quota == 0 {
		config.RateLimits.Cleanup.Quota = 10
	}
	if config.RateLimits.Cleanup.WindowSeconds == 0 {
		config.RateLimits.Cleanup.WindowSeconds = 60
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if dir := os.Getenv("CONVERSATIONS_DIR"); dir != "" {
		config.Conversations.StorageDir = dir
	}
}
