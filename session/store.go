package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// SnapshotStore persists session state so conversations survive restarts.
// The in-memory manager is authoritative while a session is live; snapshots
// are write-through.
type SnapshotStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(db *sql.DB, logger zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:     db,
		logger: logger.With().Str("component", "session_store").Logger(),
	}
}

// Save upserts the session snapshot.
func (s *SnapshotStore) Save(ctx context.Context, sess *ConversationContext) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, snapshot, last_active)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    snapshot = excluded.snapshot,
    last_active = excluded.last_active
`, sess.SessionID, string(snapshot), sess.LastActive.Unix())
	if err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

// Load returns the stored session, or (nil, nil) if none exists.
func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (*ConversationContext, error) {
	query := sq.Select("snapshot").
		From("sessions").
		Where(sq.Eq{"session_id": sessionID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build session query: %w", err)
	}

	var snapshot string
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session snapshot: %w", err)
	}

	var sess ConversationContext
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session snapshot: %w", err)
	}
	return &sess, nil
}

// Delete removes a session snapshot. Deleting a missing session is not an
// error.
func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	query := sq.Delete("sessions").Where(sq.Eq{"session_id": sessionID})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build session delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// DeleteIdle removes snapshots whose last activity is before the cutoff and
// returns how many were removed.
func (s *SnapshotStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	query := sq.Delete("sessions").Where(sq.Lt{"last_active": cutoff.Unix()})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build idle session delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete idle session snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
