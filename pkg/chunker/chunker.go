package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tably/tably/internal/models"
)

var wordPattern = regexp.MustCompile(`\w+`)

// EstimateTokens approximates the token count of text by counting word
// runs. This undercounts the provider's real tokenizer, so chunk
// budgets should stay well under provider hard limits.
func EstimateTokens(text string) int {
	return len(wordPattern.FindAllStringIndex(text, -1))
}

// Chunker splits text into chunks whose estimated token count stays
// within a fixed budget.
type Chunker struct {
	maxTokens int
}

func New(maxTokens int) Chunker {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return Chunker{maxTokens: maxTokens}
}

func (c Chunker) MaxTokens() int { return c.maxTokens }

// Split breaks text on sentence boundaries and accumulates sentences
// until the token budget would overflow. A sentence that alone exceeds
// the budget is split again on secondary punctuation, and a fragment
// that is still too large is word-packed. Each level works on strictly
// smaller units, so the splitting always terminates. Empty input
// yields no chunks, and no returned chunk is empty.
func (c Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sentences := splitKeepingDelims(text, ".!?")

	var chunks []string
	var current []string
	currentTokens := 0

	for _, sentence := range sentences {
		tokens := EstimateTokens(sentence)

		switch {
		case tokens > c.maxTokens:
			if len(current) > 0 {
				chunks = append(chunks, strings.Join(current, " "))
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, c.splitOversized(sentence)...)

		case currentTokens+tokens > c.maxTokens:
			if len(current) > 0 {
				chunks = append(chunks, strings.Join(current, " "))
			}
			current = []string{sentence}
			currentTokens = tokens

		default:
			current = append(current, sentence)
			currentTokens += tokens
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	out := chunks[:0]
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// splitOversized handles a single sentence whose estimate exceeds the
// budget: split on secondary punctuation, word-pack any fragment that
// is still too large.
func (c Chunker) splitOversized(sentence string) []string {
	var chunks []string
	for _, part := range splitKeepingDelims(sentence, ",;:") {
		if EstimateTokens(part) > c.maxTokens {
			chunks = append(chunks, c.packWords(part)...)
		} else {
			chunks = append(chunks, part)
		}
	}
	return chunks
}

// packWords greedily fills chunks word by word. Every chunk gets at
// least one word regardless of its estimate, which guarantees
// progress on adversarial input.
func (c Chunker) packWords(text string) []string {
	words := strings.Fields(text)
	var chunks []string

	for len(words) > 0 {
		var chunk []string
		tokens := 0
		for len(words) > 0 {
			wordTokens := EstimateTokens(words[0])
			if len(chunk) > 0 && tokens+wordTokens > c.maxTokens {
				break
			}
			tokens += wordTokens
			chunk = append(chunk, words[0])
			words = words[1:]
		}
		chunks = append(chunks, strings.Join(chunk, " "))
	}
	return chunks
}

// splitKeepingDelims splits text after any rune in delims, keeping the
// delimiter attached so that rejoining chunks reproduces the input up
// to whitespace.
func splitKeepingDelims(text, delims string) []string {
	var parts []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if strings.ContainsRune(delims, r) {
			// Swallow runs of boundary punctuation like "?!" or "...".
			if i+1 < len(runes) && strings.ContainsRune(delims, runes[i+1]) {
				continue
			}
			if s := strings.TrimSpace(current.String()); s != "" {
				parts = append(parts, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// RestaurantChunks builds one overview chunk plus one chunk per menu
// item fragment from a structured restaurant record. Every chunk
// carries provenance metadata so retrieval results can be traced back
// to the source record.
func (c Chunker) RestaurantChunks(r models.Restaurant) []models.Chunk {
	var chunks []models.Chunk

	overview := fmt.Sprintf("Restaurant: %s\n", r.Name)
	if r.Rating > 0 {
		overview += fmt.Sprintf("Rating: %.1f\n", r.Rating)
	}
	if r.PriceRange != "" {
		overview += fmt.Sprintf("Price Range: %s\n", r.PriceRange)
	}

	chunks = append(chunks, models.Chunk{
		Text:       overview,
		TokenCount: EstimateTokens(overview),
		Metadata: models.ChunkMetadata{
			Type:           models.TypeRestaurantOverview,
			Text:           overview,
			RestaurantName: r.Name,
			Rating:         r.Rating,
			PriceRange:     r.PriceRange,
		},
	})

	// Deterministic category order keeps chunk ids stable across runs.
	categories := make([]string, 0, len(r.MenuCategories))
	for category := range r.MenuCategories {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		for _, item := range r.MenuCategories[category] {
			text := fmt.Sprintf("Restaurant: %s\n", r.Name)
			text += fmt.Sprintf("Category: %s\n", category)
			text += fmt.Sprintf("Item: %s\n", item.Name)
			if item.Description != "" {
				text += fmt.Sprintf("Description: %s\n", item.Description)
			}
			if len(item.Ingredients) > 0 {
				text += fmt.Sprintf("Ingredients: %s\n", strings.Join(item.Ingredients, ", "))
			}
			if item.CO2Emission != "" {
				text += fmt.Sprintf("CO2 Emission: %s\n", item.CO2Emission)
			}

			parts := c.Split(text)
			for i, part := range parts {
				chunks = append(chunks, models.Chunk{
					Text:       part,
					TokenCount: EstimateTokens(part),
					Metadata: models.ChunkMetadata{
						Type:           models.TypeMenuItem,
						Text:           part,
						RestaurantName: r.Name,
						Category:       category,
						ItemName:       item.Name,
						Rating:         r.Rating,
						PriceRange:     r.PriceRange,
						ChunkIndex:     i,
						TotalChunks:    len(parts),
					},
				})
			}
		}
	}

	return chunks
}

// IngredientChunks packs a flat ingredient list into bounded chunks.
func (c Chunker) IngredientChunks(ingredients []string) []models.Chunk {
	var chunks []models.Chunk
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := "Ingredients: " + strings.Join(current, ", ")
		chunks = append(chunks, models.Chunk{
			Text:       text,
			TokenCount: EstimateTokens(text),
			Metadata: models.ChunkMetadata{
				Type: models.TypeIngredientList,
				Text: text,
			},
		})
		current = nil
		currentTokens = 0
	}

	for _, ingredient := range ingredients {
		tokens := EstimateTokens(ingredient)
		if currentTokens+tokens > c.maxTokens {
			flush()
		}
		current = append(current, ingredient)
		currentTokens += tokens
	}
	flush()

	return chunks
}
