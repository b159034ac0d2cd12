package convo

import (
	"sort"
	"sync"
	"time"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/internal/types"
)

type StoreConfig struct {
	MaxMessages int // sliding window cap per conversation
}

// Store owns all conversation state. It is the only component that
// mutates conversations; everything else holds ids. Appends and reads
// for the same id are serialized through a lazily created per-id
// mutex, which is never held across a network call.
type Store struct {
	config  StoreConfig
	storage types.ConversationStorage

	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	locks         map[string]*sync.Mutex
}

func NewStore(storage types.ConversationStorage, config StoreConfig) (*Store, error) {
	if config.MaxMessages == 0 {
		config.MaxMessages = 50
	}

	loaded, err := storage.LoadAll()
	if err != nil {
		return nil, err
	}

	conversations := make(map[string]*models.Conversation, len(loaded))
	for _, conv := range loaded {
		conversations[conv.ID] = conv
	}

	return &Store{
		config:        config,
		storage:       storage,
		conversations: conversations,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) get(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	return conv, ok
}

func (s *Store) put(conv *models.Conversation) {
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
}

// Get returns a snapshot of an existing conversation, or
// ErrConversationNotFound.
func (s *Store) Get(id string) (*models.Conversation, error) {
	conv, ok := s.get(id)
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

// GetOrCreate returns a snapshot of the conversation, creating and
// persisting an empty one on first reference to an unknown id.
func (s *Store) GetOrCreate(id string) (*models.Conversation, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if conv, ok := s.get(id); ok {
		return cloneConversation(conv), nil
	}

	now := unixSeconds(time.Now())
	conv := &models.Conversation{
		ID:          id,
		MaxMessages: s.config.MaxMessages,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.storage.Save(conv); err != nil {
		return nil, err
	}
	s.put(conv)
	return cloneConversation(conv), nil
}

// AppendMessage appends one message, bumps last_updated, trims the
// sliding window and persists the record before returning. The
// updated conversation is only installed in memory after the durable
// write succeeds, so readers never observe an unpersisted message.
func (s *Store) AppendMessage(id, role, content string, metadata map[string]interface{}) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := unixSeconds(time.Now())

	var updated *models.Conversation
	if existing, ok := s.get(id); ok {
		updated = cloneConversation(existing)
	} else {
		updated = &models.Conversation{
			ID:          id,
			MaxMessages: s.config.MaxMessages,
			CreatedAt:   now,
		}
	}

	updated.Messages = append(updated.Messages, models.Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	})
	if updated.MaxMessages > 0 && len(updated.Messages) > updated.MaxMessages {
		trimmed := make([]models.Message, updated.MaxMessages)
		copy(trimmed, updated.Messages[len(updated.Messages)-updated.MaxMessages:])
		updated.Messages = trimmed
	}
	// last_updated never moves backwards, it is the recency and TTL key.
	if now > updated.LastUpdated {
		updated.LastUpdated = now
	}

	if err := s.storage.Save(updated); err != nil {
		return err
	}
	s.put(updated)
	return nil
}

// ContextWindow returns the most recent windowSize messages in
// chronological order, or fewer if the conversation is shorter.
func (s *Store) ContextWindow(id string, windowSize int) ([]models.Message, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	conv, ok := s.get(id)
	if !ok {
		return nil, models.ErrConversationNotFound
	}

	msgs := conv.Messages
	if windowSize > 0 && len(msgs) > windowSize {
		msgs = msgs[len(msgs)-windowSize:]
	}
	window := make([]models.Message, len(msgs))
	copy(window, msgs)
	return window, nil
}

// ListRecent returns snapshots of all conversations ordered by
// last_updated descending, truncated to limit.
func (s *Store) ListRecent(limit int) []*models.Conversation {
	s.mu.RLock()
	all := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		all = append(all, conv)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastUpdated > all[j].LastUpdated
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]*models.Conversation, len(all))
	for i, conv := range all {
		out[i] = cloneConversation(conv)
	}
	return out
}

// CleanupOlderThan deletes every conversation whose last_updated is
// older than now-age, from durable storage and memory together.
// Each conversation is removed under its own lock, so a concurrent
// reader sees it either fully present or fully gone.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	cutoff := unixSeconds(time.Now().Add(-age))

	s.mu.RLock()
	candidates := make([]string, 0)
	for id, conv := range s.conversations {
		if conv.LastUpdated < cutoff {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		lock := s.lockFor(id)
		lock.Lock()

		conv, ok := s.get(id)
		if !ok || conv.LastUpdated >= cutoff {
			lock.Unlock()
			continue
		}
		if err := s.storage.Delete(id); err != nil {
			lock.Unlock()
			return removed, err
		}
		s.mu.Lock()
		delete(s.conversations, id)
		delete(s.locks, id)
		s.mu.Unlock()
		removed++
		lock.Unlock()
	}

	return removed, nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	clone := *conv
	clone.Messages = make([]models.Message, len(conv.Messages))
	copy(clone.Messages, conv.Messages)
	if conv.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(conv.Metadata))
		for k, v := range conv.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
