package convo

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tably/tably/internal/models"
)

// FileStorage keeps one JSON record per conversation in a directory.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (fs *FileStorage) path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

// Save writes the record through a temp file and rename so a crash
// mid-write never leaves a truncated record behind.
func (fs *FileStorage) Save(conv *models.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}

	tmp := fs.path(conv.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	if err := os.Rename(tmp, fs.path(conv.ID)); err != nil {
		return fmt.Errorf("failed to persist conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (fs *FileStorage) Delete(id string) error {
	err := os.Remove(fs.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// LoadAll scans the storage directory once at startup. Unreadable or
// malformed records are logged and skipped, never fatal.
func (fs *FileStorage) LoadAll() ([]*models.Conversation, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan storage directory: %w", err)
	}

	var conversations []*models.Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.dir, entry.Name()))
		if err != nil {
			log.Printf("skipping unreadable conversation record %s: %v", entry.Name(), err)
			continue
		}

		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			log.Printf("skipping malformed conversation record %s: %v", entry.Name(), err)
			continue
		}
		if conv.ID == "" {
			log.Printf("skipping conversation record %s: missing id", entry.Name())
			continue
		}
		conversations = append(conversations, &conv)
	}

	return conversations, nil
}
