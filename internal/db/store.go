package db

import (
	"context"
	"errors"
	"fmt"

	"psychtrainer/pkg"
)

// Common errors for checkpoint storage.
var (
	// ErrNotFound is returned when no checkpoint exists for a session.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrVersionConflict is returned when a put does not build on the latest
	// stored checkpoint.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("checkpoint store is closed")
)

// Store persists session checkpoints keyed by session id. Implementations
// must be safe for concurrent use.
//
// Put is a compare-and-set: state.Version must be exactly one more than the
// stored version (1 for a new session), otherwise ErrVersionConflict is
// returned and nothing is written.
type Store interface {
	// Get returns the latest checkpoint, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*pkg.SessionState, error)
	// Put writes a new checkpoint.
	Put(ctx context.Context, state *pkg.SessionState) error
	// List returns the sessions of a user, most recently updated first. A
	// limit of zero or less returns all of them.
	List(ctx context.Context, userID string, limit int) ([]pkg.SessionInfo, error)
	// Close releases any resources held by the store.
	Close() error
}

func validateState(state *pkg.SessionState) error {
	if state == nil {
		return errors.New("nil session state")
	}
	if state.SessionID == "" {
		return errors.New("session id is required")
	}
	if state.Version < 1 {
		return fmt.Errorf("invalid checkpoint version %d", state.Version)
	}
	return nil
}
