package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/tably/tably/internal/models"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int // provider-imposed upsert ceiling per request
}

// VectorStore adapts a pgvector-backed index to the retrieval
// contract: batched upserts with partial failure, similarity queries
// with post-filtered score thresholds, and age-based retention.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d),
			metadata JSONB,
			indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err = vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// A pre-existing table whose vector column disagrees with the
	// configured dimension is an operator problem, not something to
	// paper over by re-indexing.
	if err := vs.verifyDimension(ctx); err != nil {
		return err
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// verifyDimension reads the declared dimension of the embedding column
// (pgvector stores it in the column typmod) and compares it with the
// configured one.
func (vs *VectorStore) verifyDimension(ctx context.Context) error {
	var declared int
	err := vs.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = $1 AND a.attname = 'embedding'`,
		vs.config.TableName).Scan(&declared)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to inspect table dimension: %w", err)
	}

	if declared > 0 && declared != vs.config.VectorDim {
		return &models.ConfigError{
			Reason: fmt.Sprintf("index %s has dimension %d, configured dimension is %d",
				vs.config.TableName, declared, vs.config.VectorDim),
		}
	}
	return nil
}

// Upsert writes embedded chunks in batches of at most BatchSize.
// A failed batch reports its ids and does not stop later batches, so
// a large indexing job survives transient faults with partial success.
func (vs *VectorStore) Upsert(ctx context.Context, chunks []models.EmbeddedChunk) (int, []string, error) {
	stored := 0
	var failed []string

	for start := 0; start < len(chunks); start += vs.config.BatchSize {
		end := start + vs.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		if err := vs.upsertBatch(ctx, batch); err != nil {
			for _, chunk := range batch {
				failed = append(failed, chunk.ID)
			}
			continue
		}
		stored += len(batch)
	}

	return stored, failed, nil
}

func (vs *VectorStore) upsertBatch(ctx context.Context, batch []models.EmbeddedChunk) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, metadata, indexed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			indexed_at = EXCLUDED.indexed_at`,
		vs.config.TableName)

	for _, chunk := range batch {
		if len(chunk.Values) != vs.config.VectorDim {
			return &models.ConfigError{
				Reason: fmt.Sprintf("vector %s has dimension %d, index expects %d",
					chunk.ID, len(chunk.Values), vs.config.VectorDim),
			}
		}

		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", chunk.ID, err)
		}

		_, err = tx.Exec(ctx, stmt,
			chunk.ID,
			pgvector.NewVector(toFloat32(chunk.Values)),
			meta,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Query returns the topK nearest neighbors whose cosine similarity
// meets scoreThreshold. The threshold is applied here after the
// provider returns, never delegated to it; survivors keep provider
// order. An empty index yields an empty result, not an error.
func (vs *VectorStore) Query(ctx context.Context, vector []float64, topK int, scoreThreshold float64, filter *models.QueryFilter) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	where, args := buildFilterClause(filter, 3)
	query := fmt.Sprintf(`
		SELECT id, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.config.TableName, where)

	queryArgs := append([]interface{}{pgvector.NewVector(toFloat32(vector)), topK}, args...)
	rows, err := vs.pool.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			result models.SearchResult
			meta   []byte
		)
		if err := rows.Scan(&result.ID, &meta, &result.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal(meta, &result.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", result.ID, err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	return filterByScore(results, scoreThreshold), nil
}

// DeleteOlderThan removes vectors indexed before cutoff. Retention for
// index data is independent of conversation cleanup.
func (vs *VectorStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := vs.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE indexed_at < $1", vs.config.TableName),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old vectors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// filterByScore drops results strictly below threshold, preserving
// provider order among survivors.
func filterByScore(results []models.SearchResult, threshold float64) []models.SearchResult {
	filtered := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// buildFilterClause renders the metadata filter as SQL conditions with
// placeholders starting at firstArg.
func buildFilterClause(filter *models.QueryFilter, firstArg int) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, value interface{}) {
		conds = append(conds, fmt.Sprintf(cond, firstArg+len(args)))
		args = append(args, value)
	}

	if filter.Type != "" {
		add("metadata->>'type' = $%d", filter.Type)
	}
	if filter.RestaurantName != "" {
		add("metadata->>'restaurant_name' = $%d", filter.RestaurantName)
	}
	if filter.Category != "" {
		add("metadata->>'category' = $%d", filter.Category)
	}
	if filter.PriceRange != "" {
		add("metadata->>'price_range' = $%d", filter.PriceRange)
	}
	if filter.MinRating > 0 {
		add("(metadata->>'rating')::float >= $%d", filter.MinRating)
	}

	if len(conds) == 0 {
		return "", nil
	}

	where := "WHERE " + conds[0]
	for _, cond := range conds[1:] {
		where += " AND " + cond
	}
	return where, args
}

// toFloat32 converts incoming 64-bit vectors to pgvector's native
// scalar type.
func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
