package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"taracol/pkg/types"
)

// CursorStore checkpoints the last acknowledged cursor per peer.
type CursorStore interface {
	Load(peer types.PeerID) (types.Cursor, error)
	Save(peer types.PeerID, c types.Cursor) error
}

type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[types.PeerID]types.Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[types.PeerID]types.Cursor)}
}

func (m *MemoryCursorStore) Load(peer types.PeerID) (types.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[peer], nil
}

func (m *MemoryCursorStore) Save(peer types.PeerID, c types.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[peer] = c
	return nil
}

// FileCursorStore keeps the cursors as one JSON object on disk, replaced
// atomically on every save.
type FileCursorStore struct {
	path string

	mu      sync.Mutex
	cursors map[types.PeerID]types.Cursor
}

func NewFileCursorStore(path string) (*FileCursorStore, error) {
	s := &FileCursorStore{path: path, cursors: make(map[types.PeerID]types.Cursor)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	if err := json.Unmarshal(data, &s.cursors); err != nil {
		return nil, fmt.Errorf("failed to parse cursor file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileCursorStore) Load(peer types.PeerID) (types.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[peer], nil
}

func (s *FileCursorStore) Save(peer types.PeerID, c types.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[peer]; ok && cur == c {
		return nil
	}
	s.cursors[peer] = c

	data, err := json.MarshalIndent(s.cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cursors: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create cursor directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}
