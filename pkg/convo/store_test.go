package convo_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/pkg/convo"
)

func newTestStore(t *testing.T, maxMessages int) (*convo.Store, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)
	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: maxMessages})
	require.NoError(t, err)
	return store, dir
}

func TestGetOrCreate(t *testing.T) {
	store, dir := newTestStore(t, 10)

	conv, err := store.GetOrCreate("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, 10, conv.MaxMessages)
	assert.Greater(t, conv.CreatedAt, 0.0)

	// The empty conversation is already durable.
	_, err = os.Stat(filepath.Join(dir, "conv-1.json"))
	assert.NoError(t, err)
}

func TestGet_Unknown(t *testing.T) {
	store, _ := newTestStore(t, 10)

	_, err := store.Get("never-seen")
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestAppendMessage_SlidingWindow(t *testing.T) {
	store, _ := newTestStore(t, 10)

	for i := 1; i <= 12; i++ {
		err := store.AppendMessage("conv-1", models.RoleUser, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	conv, err := store.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 10)
	// The two oldest messages fell out of the window.
	assert.Equal(t, "msg 3", conv.Messages[0].Content)
	assert.Equal(t, "msg 12", conv.Messages[9].Content)
}

func TestAppendMessage_BumpsLastUpdated(t *testing.T) {
	store, _ := newTestStore(t, 10)

	require.NoError(t, store.AppendMessage("conv-1", models.RoleUser, "first", nil))
	before, err := store.Get("conv-1")
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage("conv-1", models.RoleAssistant, "second", nil))
	after, err := store.Get("conv-1")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, after.LastUpdated, before.LastUpdated)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestContextWindow(t *testing.T) {
	store, _ := newTestStore(t, 50)

	for i := 1; i <= 8; i++ {
		require.NoError(t, store.AppendMessage("conv-1", models.RoleUser, fmt.Sprintf("msg %d", i), nil))
	}

	window, err := store.ContextWindow("conv-1", 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "msg 6", window[0].Content)
	assert.Equal(t, "msg 8", window[2].Content)

	// Shorter conversations return everything.
	full, err := store.ContextWindow("conv-1", 100)
	require.NoError(t, err)
	assert.Len(t, full, 8)

	_, err = store.ContextWindow("missing", 3)
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestListRecent(t *testing.T) {
	dir := t.TempDir()
	seedConversation(t, dir, "old", 100)
	seedConversation(t, dir, "newer", 200)
	seedConversation(t, dir, "newest", 300)

	storage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)
	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)

	recent := store.ListRecent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "newest", recent[0].ID)
	assert.Equal(t, "newer", recent[1].ID)
}

func TestCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	seedConversation(t, dir, "stale", float64(time.Now().Add(-48*time.Hour).Unix()))

	storage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)
	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage("fresh", models.RoleUser, "hello", nil))

	removed, err := store.CleanupOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get("stale")
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
	_, err = store.Get("fresh")
	assert.NoError(t, err)

	// The stale record is gone from disk too.
	_, err = os.Stat(filepath.Join(dir, "stale.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadAll_SkipsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	seedConversation(t, dir, "good", 100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no-id.json"), []byte(`{"messages":[]}`), 0o644))

	storage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)
	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)

	assert.Len(t, store.ListRecent(0), 1)
}

func TestReloadAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	storage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)

	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage("conv-1", models.RoleUser, "what's good here?", nil))
	require.NoError(t, store.AppendMessage("conv-1", models.RoleAssistant, "the ragu", nil))

	reloadedStorage, err := convo.NewFileStorage(dir)
	require.NoError(t, err)
	reloaded, err := convo.NewStore(reloadedStorage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)

	conv, err := reloaded.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "the ragu", conv.Messages[1].Content)
}

// failingStorage rejects every save after the first n.
type failingStorage struct {
	saves     int
	allowed   int
	persisted map[string]*models.Conversation
}

func (f *failingStorage) Save(conv *models.Conversation) error {
	f.saves++
	if f.saves > f.allowed {
		return errors.New("disk full")
	}
	if f.persisted == nil {
		f.persisted = make(map[string]*models.Conversation)
	}
	f.persisted[conv.ID] = conv
	return nil
}

func (f *failingStorage) Delete(id string) error { return nil }

func (f *failingStorage) LoadAll() ([]*models.Conversation, error) { return nil, nil }

func TestAppendMessage_SaveFailureNotInstalled(t *testing.T) {
	storage := &failingStorage{allowed: 1}
	store, err := convo.NewStore(storage, convo.StoreConfig{MaxMessages: 10})
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage("conv-1", models.RoleUser, "first", nil))
	err = store.AppendMessage("conv-1", models.RoleAssistant, "second", nil)
	require.Error(t, err)

	// The failed append is not visible to readers.
	conv, err := store.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "first", conv.Messages[0].Content)
}

func seedConversation(t *testing.T, dir, id string, lastUpdated float64) {
	t.Helper()
	record := fmt.Sprintf(`{
  "id": %q,
  "messages": [],
  "max_messages": 10,
  "created_at": %f,
  "last_updated": %f
}`, id, lastUpdated, lastUpdated)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(record), 0o644))
}
