package models

// Chunk metadata discriminants. Every chunk carries exactly one.
const (
	TypeRestaurantOverview = "restaurant_overview"
	TypeMenuItem           = "menu_item"
	TypeIngredientList     = "ingredient_list"
	TypeArticle            = "article"
)

// ChunkMetadata is the provenance record attached to every chunk. The
// Type field selects which of the remaining fields are meaningful;
// Extra holds forward-compatible fields that have no dedicated slot.
type ChunkMetadata struct {
	Type           string                 `json:"type"`
	Text           string                 `json:"text,omitempty"`
	RestaurantName string                 `json:"restaurant_name,omitempty"`
	Category       string                 `json:"category,omitempty"`
	ItemName       string                 `json:"item_name,omitempty"`
	Rating         float64                `json:"rating,omitempty"`
	PriceRange     string                 `json:"price_range,omitempty"`
	Source         string                 `json:"source,omitempty"`
	PublishedAt    string                 `json:"published_at,omitempty"`
	ChunkIndex     int                    `json:"chunk_index"`
	TotalChunks    int                    `json:"total_chunks,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Chunk is a bounded unit of text, the unit of embedding and retrieval.
// TokenCount is a word-count estimate, a lower bound on provider
// tokenization; callers must leave headroom against hard limits.
type Chunk struct {
	Text       string
	TokenCount int
	Metadata   ChunkMetadata
}

// EmbeddedChunk pairs a chunk's metadata with its embedding vector.
// Values always has the globally configured dimension.
type EmbeddedChunk struct {
	ID       string
	Values   []float64
	Metadata ChunkMetadata
}

// SearchResult is a retrieved chunk with its similarity score.
type SearchResult struct {
	ID       string        `json:"id"`
	Score    float64       `json:"score"`
	Metadata ChunkMetadata `json:"metadata"`
}

// QueryFilter narrows a similarity query by metadata. Zero values mean
// no constraint on that field.
type QueryFilter struct {
	Type           string
	RestaurantName string
	Category       string
	PriceRange     string
	MinRating      float64
}

// Message roles. Conversations alternate user/assistant turns; system
// messages are injected at prompt assembly and never stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation turn. Immutable once appended;
// Timestamp is informational, append order is authoritative.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp float64                `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is a bounded message history. Only the conversation
// store mutates it; everything else passes the id around.
type Conversation struct {
	ID          string                 `json:"id"`
	Messages    []Message              `json:"messages"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	MaxMessages int                    `json:"max_messages"`
	CreatedAt   float64                `json:"created_at"`
	LastUpdated float64                `json:"last_updated"`
}

// MenuItem is one entry in a restaurant's menu.
type MenuItem struct {
	Name        string   `json:"item_name"`
	Description string   `json:"description,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`
	CO2Emission string   `json:"co2_emission,omitempty"`
}

// Restaurant is a structured source record for the indexing path.
type Restaurant struct {
	Name           string                `json:"name"`
	Rating         float64               `json:"rating,omitempty"`
	PriceRange     string                `json:"price_range,omitempty"`
	MenuCategories map[string][]MenuItem `json:"menu_categories,omitempty"`
}
