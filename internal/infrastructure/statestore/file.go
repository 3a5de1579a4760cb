package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentmesh/internal/domain/entities"
)

// FileStore persists agent state as one JSON file per agent. Writes go through
// a temp file and an atomic rename so a crash never leaves a torn snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the store, ensuring the directory exists
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(agentID string) string {
	// agent ids may contain path separators from namespacing
	safe := strings.ReplaceAll(agentID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}

// Get returns the last saved state, or nil when none exists
func (s *FileStore) Get(ctx context.Context, agentID string) (*entities.SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %q: %w", agentID, err)
	}
	state := &entities.SavedState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %q: %w", agentID, err)
	}
	return state, nil
}

// Save writes the snapshot durably via temp-file rename
func (s *FileStore) Save(ctx context.Context, agentID string, state *entities.SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", agentID, err)
	}

	target := s.path(agentID)
	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state for %q: %w", agentID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state for %q: %w", agentID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit state for %q: %w", agentID, err)
	}
	return nil
}

// Delete wipes the snapshot
func (s *FileStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(agentID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the ids with saved state
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
