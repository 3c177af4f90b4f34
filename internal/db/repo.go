package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"psychtrainer/pkg"
)

const uniqueViolation = "23505"

// PostgresStore keeps every checkpoint of a session as a row in
// session_checkpoints. With a Notifier, each put also publishes the session
// id within the same transaction.
type PostgresStore struct {
	DB       *sqlx.DB
	Notifier *Notifier
}

// NewPostgresStore constructs a store from an open connection. The caller
// is responsible for running Migrate first. notifier may be nil.
func NewPostgresStore(db *sqlx.DB, notifier *Notifier) *PostgresStore {
	return &PostgresStore{DB: db, Notifier: notifier}
}

// Get returns the highest-versioned checkpoint of a session.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	var raw []byte
	err := s.DB.GetContext(ctx, &raw,
		`SELECT state
         FROM session_checkpoints
         WHERE session_id = $1
         ORDER BY version DESC
         LIMIT 1`, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state pkg.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

// Put inserts the next checkpoint version. The insert only succeeds when
// the session's latest stored version is state.Version-1.
func (s *PostgresStore) Put(ctx context.Context, state *pkg.SessionState) error {
	if err := validateState(state); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_checkpoints (session_id, version, user_id, phase, turn_count, is_ended, state)
         SELECT $1, $2, $3, $4, $5, $6, $7::jsonb
         WHERE (SELECT COALESCE(MAX(version), 0)
                FROM session_checkpoints
                WHERE session_id = $1) = $2 - 1`,
		state.SessionID, state.Version, state.UserID, string(state.Phase), state.TurnCount, state.IsEnded, string(raw),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: version %d already exists", ErrVersionConflict, state.Version)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: version %d does not follow the stored checkpoint", ErrVersionConflict, state.Version)
	}

	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, tx, state.SessionID); err != nil {
			return fmt.Errorf("notify checkpoint: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the latest checkpoint of each of a user's sessions, most
// recently written first.
func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]pkg.SessionInfo, error) {
	var raws [][]byte
	err := s.DB.SelectContext(ctx, &raws,
		`SELECT state
         FROM (
             SELECT DISTINCT ON (session_id) state, created_at
             FROM session_checkpoints
             WHERE user_id = $1
             ORDER BY session_id, version DESC
         ) latest
         ORDER BY created_at DESC
         LIMIT $2`, userID, sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]pkg.SessionInfo, 0, len(raws))
	for _, raw := range raws {
		var state pkg.SessionState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, state.Info())
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.DB.Close()
}
