package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/pkg/chunker"
	cfgPkg "github.com/tably/tably/pkg/config"
	"github.com/tably/tably/pkg/convo"
	"github.com/tably/tably/pkg/llm"
	"github.com/tably/tably/pkg/rag"
	"github.com/tably/tably/pkg/ratelimit"
	"github.com/tably/tably/pkg/store"
	"github.com/tably/tably/server"
)

type flags struct {
	configPath string
	indexFile  string
	serve      bool
	pruneDays  int
	ollamaURL  string
	dbURL      string
	model      string
}

func main() {
	_ = godotenv.Load()

	f := parseFlags()

	config, err := cfgPkg.LoadConfig(f.configPath)
	if err != nil {
		log.Fatal(err)
	}
	if f.ollamaURL != "" {
		config.LLM.BaseURL = f.ollamaURL
	}
	if f.dbURL != "" {
		config.Database.URL = f.dbURL
	}
	if f.model != "" {
		config.LLM.Model = f.model
	}

	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	if err := run(f, config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.StringVar(&f.indexFile, "index", "", "Restaurant dataset (JSON) to chunk, embed and index")
	flag.BoolVar(&f.serve, "serve", false, "Run the HTTP/WebSocket server")
	flag.IntVar(&f.pruneDays, "prune-days", 0, "Delete vectors indexed more than N days ago, then exit")
	flag.StringVar(&f.ollamaURL, "ollama-url", os.Getenv("OLLAMA_BASE_URL"), "Ollama server URL")
	flag.StringVar(&f.dbURL, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&f.model, "model", "", "Completion model to use")
	flag.Parse()
	return f
}

func run(f flags, config *cfgPkg.Config) error {
	ctx := context.Background()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:      config.Embedding.Model,
		BaseURL:    config.LLM.BaseURL,
		Dimension:  config.Embedding.Dimension,
		MaxRetries: config.Embedding.MaxRetries,
		BatchSize:  config.Embedding.BatchSize,
		BatchRate:  config.Embedding.BatchRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	vectorStore, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: config.Database.URL,
		TableName:  config.Database.TableName,
		VectorDim:  config.Embedding.Dimension,
		BatchSize:  config.Database.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	defer vectorStore.Close()

	if f.pruneDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -f.pruneDays)
		deleted, err := vectorStore.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune old vectors: %w", err)
		}
		color.Green("✓ Deleted %d vectors indexed before %s", deleted, cutoff.Format(time.DateOnly))
		return nil
	}

	if f.indexFile != "" {
		return runIndex(ctx, f.indexFile, config, embedder, vectorStore)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       config.LLM.Model,
		MaxTokens:   config.LLM.MaxTokens,
		Temperature: config.LLM.Temperature,
		BaseURL:     config.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	storage, err := convo.NewFileStorage(config.Conversations.StorageDir)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation storage: %w", err)
	}
	conversations, err := convo.NewStore(storage, convo.StoreConfig{
		MaxMessages: config.Conversations.MaxMessages,
	})
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	engine := rag.NewEngine(rag.Config{
		TopK:              config.Retrieval.TopK,
		ScoreThreshold:    config.Retrieval.ScoreThreshold,
		ContextWindowSize: config.Conversations.ContextWindow,
	}, embedder, vectorStore, conversations, chatEngine)

	if f.serve {
		governor := ratelimit.NewGovernor(map[string]ratelimit.ClassConfig{
			ratelimit.ClassChat:          quotaClass(config.RateLimits.Chat),
			ratelimit.ClassConversations: quotaClass(config.RateLimits.Conversations),
			ratelimit.ClassCleanup:       quotaClass(config.RateLimits.Cleanup),
		})
		return server.New(engine, conversations, governor, config.Conversations.RetentionDays).ListenAndServe(config.Server.Addr)
	}

	return runChat(ctx, engine)
}

func quotaClass(q cfgPkg.QuotaConfig) ratelimit.ClassConfig {
	return ratelimit.ClassConfig{
		Quota:  q.Quota,
		Window: time.Duration(q.WindowSeconds) * time.Second,
	}
}

// runIndex is the offline indexing path: chunk the dataset, embed in
// batches, upsert. Embedding and upsert failures are reported but do
// not abort the run; partial success is the point.
func runIndex(ctx context.Context, path string, config *cfgPkg.Config, embedder *llm.Embedder, vectorStore *store.VectorStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	var restaurants []models.Restaurant
	if err := json.Unmarshal(data, &restaurants); err != nil {
		return fmt.Errorf("failed to parse dataset: %w", err)
	}
	color.Cyan("Loaded %d restaurants from %s", len(restaurants), path)

	ck := chunker.New(config.Chunker.MaxTokens)
	var chunks []models.Chunk
	for _, r := range restaurants {
		chunks = append(chunks, ck.RestaurantChunks(r)...)
	}
	color.Green("✓ Created %d chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	bar := progressbar.NewOptions(len(chunks),
		progressbar.OptionSetDescription(color.BlueString("Embedding chunks")),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	vectors := embedder.EmbedBatch(ctx, texts, func(n int) {
		bar.Add(n)
	})
	bar.Finish()

	var embedded []models.EmbeddedChunk
	failedEmbeds := 0
	for i, vec := range vectors {
		if vec == nil {
			failedEmbeds++
			continue
		}
		embedded = append(embedded, models.EmbeddedChunk{
			ID:       chunkID(chunks[i].Metadata),
			Values:   vec,
			Metadata: chunks[i].Metadata,
		})
	}
	if failedEmbeds > 0 {
		color.Yellow("⚠ %d chunks failed to embed", failedEmbeds)
	}

	stored, failedIDs, err := vectorStore.Upsert(ctx, embedded)
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	if len(failedIDs) > 0 {
		color.Yellow("⚠ %d vectors failed to upsert", len(failedIDs))
	}
	color.Green("✓ Indexed %d vectors", stored)
	return nil
}

// chunkID builds a stable id from provenance metadata so re-indexing
// the same dataset overwrites rather than duplicates.
func chunkID(meta models.ChunkMetadata) string {
	parts := []string{slug(meta.RestaurantName)}
	switch meta.Type {
	case models.TypeMenuItem:
		parts = append(parts, slug(meta.Category), slug(meta.ItemName), fmt.Sprintf("%d", meta.ChunkIndex))
	default:
		parts = append(parts, meta.Type)
	}
	return strings.Join(parts, ":")
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

func runChat(ctx context.Context, engine *rag.Engine) error {
	color.Cyan("\nChat about restaurants and menus (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	conversationID := ""
	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		result, err := engine.Chat(ctx, rag.ChatRequest{
			Query:          query,
			ConversationID: conversationID,
		})
		if err != nil {
			color.Red("Error: %v", err)
			continue
		}
		conversationID = result.ConversationID

		assistantPrompt("\nAssistant: ")
		fmt.Println(result.Response)
	}

	return scanner.Err()
}
