package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"psychtrainer/pkg"
)

// MemoryStore keeps checkpoints in process memory. States are stored
// serialised so callers can never alias stored data.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*pkg.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	raw, ok := s.data[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	var state pkg.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, state *pkg.SessionState) error {
	if err := validateState(state); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	current := 0
	if prev, ok := s.data[state.SessionID]; ok {
		var v struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal(prev, &v); err != nil {
			return fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		current = v.Version
	}
	if state.Version != current+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, current, state.Version)
	}
	s.data[state.SessionID] = raw
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]pkg.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	out := []pkg.SessionInfo{}
	for _, raw := range s.data {
		var state pkg.SessionState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		if state.UserID == userID {
			out = append(out, state.Info())
		}
	}
	pkg.SortSessionInfos(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
