package chunker_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/pkg/chunker"
)

func TestSplit_RespectsTokenBudget(t *testing.T) {
	c := chunker.New(20)

	text := "The bistro opens at noon. The chef trained in Lyon for a decade. " +
		"Reservations are recommended on weekends. The wine list leans natural. " +
		"Desserts rotate with the seasons. Ask about the tasting menu."

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunker.EstimateTokens(chunk), 20)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestSplit_ReassemblesOriginalText(t *testing.T) {
	c := chunker.New(15)

	text := "First sentence here. Second sentence follows! Third one asks a question? Fourth wraps it up."

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	joined := strings.Join(strings.Fields(strings.Join(chunks, " ")), " ")
	normalized := strings.Join(strings.Fields(text), " ")
	assert.Equal(t, normalized, joined)
}

func TestSplit_EmptyInput(t *testing.T) {
	c := chunker.New(50)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))
}

func TestSplit_LongParagraph(t *testing.T) {
	// A 1200-word single paragraph must split into multiple chunks,
	// none exceeding the estimate budget.
	var b strings.Builder
	for i := 0; i < 1200; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	b.WriteString(".")

	c := chunker.New(50)
	chunks := c.Split(b.String())

	assert.GreaterOrEqual(t, len(chunks), 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunker.EstimateTokens(chunk), 50)
	}
}

func TestSplit_OversizedSentenceSecondarySplit(t *testing.T) {
	// One long sentence with comma-separated clauses: the sentence
	// exceeds the budget but each clause fits.
	text := "The menu offers braised short rib with polenta, a roasted beet salad with goat cheese, " +
		"hand-rolled pasta with brown butter and sage, and a chocolate tart with sea salt."

	c := chunker.New(10)
	chunks := c.Split(text)

	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunker.EstimateTokens(chunk), 10)
	}
}

func TestSplit_WordPackFallback(t *testing.T) {
	// No sentence or secondary punctuation at all, still bounded.
	words := make([]string, 40)
	for i := range words {
		words[i] = fmt.Sprintf("token%d", i)
	}

	c := chunker.New(8)
	chunks := c.Split(strings.Join(words, " "))

	require.NotEmpty(t, chunks)
	total := 0
	for _, chunk := range chunks {
		tokens := chunker.EstimateTokens(chunk)
		assert.LessOrEqual(t, tokens, 8)
		total += tokens
	}
	assert.Equal(t, 40, total)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, chunker.EstimateTokens(""))
	assert.Equal(t, 3, chunker.EstimateTokens("three simple words"))
	assert.Equal(t, 2, chunker.EstimateTokens("  padded   out  "))
}

func TestRestaurantChunks(t *testing.T) {
	r := models.Restaurant{
		Name:       "Trattoria Nonna",
		Rating:     4.5,
		PriceRange: "$$",
		MenuCategories: map[string][]models.MenuItem{
			"Mains": {
				{
					Name:        "Tagliatelle al Ragu",
					Description: "Slow-cooked beef ragu over fresh pasta",
					Ingredients: []string{"beef", "tomato", "tagliatelle"},
				},
			},
			"Desserts": {
				{Name: "Tiramisu"},
			},
		},
	}

	c := chunker.New(100)
	chunks := c.RestaurantChunks(r)
	require.Len(t, chunks, 3)

	overview := chunks[0]
	assert.Equal(t, models.TypeRestaurantOverview, overview.Metadata.Type)
	assert.Equal(t, "Trattoria Nonna", overview.Metadata.RestaurantName)
	assert.Contains(t, overview.Text, "Rating: 4.5")
	assert.Contains(t, overview.Text, "Price Range: $$")

	for _, chunk := range chunks[1:] {
		assert.Equal(t, models.TypeMenuItem, chunk.Metadata.Type)
		assert.Equal(t, "Trattoria Nonna", chunk.Metadata.RestaurantName)
		assert.NotEmpty(t, chunk.Metadata.Category)
		assert.NotEmpty(t, chunk.Metadata.ItemName)
		assert.Equal(t, chunk.Text, chunk.Metadata.Text)
		assert.Greater(t, chunk.Metadata.TotalChunks, 0)
		assert.LessOrEqual(t, chunk.TokenCount, 100)
	}

	// Categories are emitted in sorted order.
	assert.Equal(t, "Desserts", chunks[1].Metadata.Category)
	assert.Equal(t, "Mains", chunks[2].Metadata.Category)
}

func TestRestaurantChunks_LongDescriptionSplits(t *testing.T) {
	longDesc := strings.Repeat("an elaborate preparation with many steps, ", 30)
	r := models.Restaurant{
		Name: "Chez Test",
		MenuCategories: map[string][]models.MenuItem{
			"Mains": {{Name: "Cassoulet", Description: longDesc}},
		},
	}

	c := chunker.New(40)
	chunks := c.RestaurantChunks(r)

	var itemChunks []models.Chunk
	for _, chunk := range chunks {
		if chunk.Metadata.Type == models.TypeMenuItem {
			itemChunks = append(itemChunks, chunk)
		}
	}
	require.Greater(t, len(itemChunks), 1)

	for i, chunk := range itemChunks {
		assert.Equal(t, i, chunk.Metadata.ChunkIndex)
		assert.Equal(t, len(itemChunks), chunk.Metadata.TotalChunks)
		assert.LessOrEqual(t, chunk.TokenCount, 40)
	}
}

func TestIngredientChunks(t *testing.T) {
	ingredients := []string{
		"san marzano tomatoes", "buffalo mozzarella", "fresh basil",
		"extra virgin olive oil", "sea salt", "tipo 00 flour",
	}

	c := chunker.New(8)
	chunks := c.IngredientChunks(ingredients)

	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.Equal(t, models.TypeIngredientList, chunk.Metadata.Type)
		assert.True(t, strings.HasPrefix(chunk.Text, "Ingredients: "))
	}

	var all []string
	for _, chunk := range chunks {
		all = append(all, strings.TrimPrefix(chunk.Text, "Ingredients: "))
	}
	assert.Equal(t, strings.Join(ingredients, ", "), strings.Join(all, ", "))
}
