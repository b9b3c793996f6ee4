package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// Signal is a user's judgement about one record surfaced for one query.
type Signal string

const (
	SignalPositive Signal = "positive"
	SignalNegative Signal = "negative"
)

// Event is one append-only feedback entry. Events are never edited or deleted.
type Event struct {
	RecordID  string
	Query     string
	Signal    Signal
	CreatedAt time.Time
}

// Aggregate holds per-record feedback counts. The zero value means
// "no feedback yet", which is a valid non-error state.
type Aggregate struct {
	RecordID      string
	PositiveCount int64
	TotalCount    int64
}

// Stats summarizes the whole event log.
type Stats struct {
	TotalEvents   int64
	PositiveCount int64
	NegativeCount int64
	PositiveRatio float64
}

// Store persists feedback events and maintains per-record aggregates.
// The event log is the source of truth; the aggregates table is a cache
// updated in the same transaction as each event insert, so the two can
// never be observed inconsistent.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new feedback Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "feedback_store").Logger(),
	}
}

// RecordEvent appends a feedback event and bumps the cached aggregate.
// Storage failures are returned to the caller; a lost write must never be
// silently masked by a stale aggregate.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if ev.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	if ev.Signal != SignalPositive && ev.Signal != SignalNegative {
		return fmt.Errorf("invalid signal: %q", ev.Signal)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feedback tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	positive := 0
	if ev.Signal == SignalPositive {
		positive = 1
	}

	query := sq.Insert("feedback_events").
		Columns("record_id", "query", "signal", "created_at").
		Values(ev.RecordID, ev.Query, positive, ev.CreatedAt.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert feedback event: %w", err)
	}

	// Aggregate upsert in the same transaction. Concurrent writers for the
	// same record serialize on the row via sqlite's write lock.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO feedback_aggregates (record_id, positive_count, total_count)
VALUES (?, ?, 1)
ON CONFLICT(record_id) DO UPDATE SET
    positive_count = positive_count + excluded.positive_count,
    total_count = total_count + 1
`, ev.RecordID, positive); err != nil {
		return fmt.Errorf("upsert feedback aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feedback tx: %w", err)
	}

	s.logger.Info().
		Str("record_id", ev.RecordID).
		Str("signal", string(ev.Signal)).
		Msg("Feedback event recorded")
	return nil
}

// Aggregate returns the cached counts for a record. Unseen records return
// a zero-valued aggregate, not an error.
func (s *Store) Aggregate(ctx context.Context, recordID string) (Aggregate, error) {
	query := sq.Select("record_id", "positive_count", "total_count").
		From("feedback_aggregates").
		Where(sq.Eq{"record_id": recordID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Aggregate{}, fmt.Errorf("build aggregate query: %w", err)
	}

	var agg Aggregate
	err = s.db.QueryRowContext(ctx, queryStr, args...).
		Scan(&agg.RecordID, &agg.PositiveCount, &agg.TotalCount)
	if err == sql.ErrNoRows {
		return Aggregate{RecordID: recordID}, nil
	}
	if err != nil {
		return Aggregate{}, fmt.Errorf("read feedback aggregate: %w", err)
	}
	if agg.PositiveCount > agg.TotalCount {
		// The cache can only get here via external tampering; rebuild from the log.
		s.logger.Warn().Str("record_id", recordID).Msg("Aggregate cache inconsistent, recomputing from event log")
		return s.recomputeAggregate(ctx, recordID)
	}
	return agg, nil
}

// recomputeAggregate derives the aggregate directly from the event log.
func (s *Store) recomputeAggregate(ctx context.Context, recordID string) (Aggregate, error) {
	var agg Aggregate
	agg.RecordID = recordID
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(signal), 0), COUNT(*)
FROM feedback_events
WHERE record_id = ?
`, recordID).Scan(&agg.PositiveCount, &agg.TotalCount)
	if err != nil {
		return Aggregate{}, fmt.Errorf("recompute aggregate: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO feedback_aggregates (record_id, positive_count, total_count)
VALUES (?, ?, ?)
ON CONFLICT(record_id) DO UPDATE SET
    positive_count = excluded.positive_count,
    total_count = excluded.total_count
`, recordID, agg.PositiveCount, agg.TotalCount); err != nil {
		return Aggregate{}, fmt.Errorf("repair aggregate cache: %w", err)
	}
	return agg, nil
}

// OverallStats reports totals across all feedback events.
func (s *Store) OverallStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN signal = 1 THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN signal = 0 THEN 1 ELSE 0 END), 0)
FROM feedback_events
`).Scan(&stats.TotalEvents, &stats.PositiveCount, &stats.NegativeCount)
	if err != nil {
		return Stats{}, fmt.Errorf("read feedback stats: %w", err)
	}
	if stats.TotalEvents > 0 {
		stats.PositiveRatio = float64(stats.PositiveCount) / float64(stats.TotalEvents)
	}
	return stats, nil
}
