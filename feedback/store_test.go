package feedback

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory database and runs migrations
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestStore_RecordEventAndAggregate(t *testing.T) {
	store := NewStore(setupTestDB(t), zerolog.Nop())
	ctx := context.Background()

	events := []Event{
		{RecordID: "rec-1", Query: "plumbers near albany", Signal: SignalPositive},
		{RecordID: "rec-1", Query: "plumbers near albany", Signal: SignalPositive},
		{RecordID: "rec-1", Query: "emergency plumber", Signal: SignalNegative},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	agg, err := store.Aggregate(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.PositiveCount != 2 || agg.TotalCount != 3 {
		t.Fatalf("expected 2/3, got %d/%d", agg.PositiveCount, agg.TotalCount)
	}
}

func TestStore_UnseenRecordIsZeroNotError(t *testing.T) {
	store := NewStore(setupTestDB(t), zerolog.Nop())

	agg, err := store.Aggregate(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.PositiveCount != 0 || agg.TotalCount != 0 {
		t.Fatalf("expected zero aggregate, got %+v", agg)
	}
	if agg.RecordID != "never-seen" {
		t.Fatalf("expected record id carried through, got %q", agg.RecordID)
	}
}

func TestStore_RejectsInvalidEvents(t *testing.T) {
	store := NewStore(setupTestDB(t), zerolog.Nop())
	ctx := context.Background()

	if err := store.RecordEvent(ctx, Event{RecordID: "", Signal: SignalPositive}); err == nil {
		t.Fatal("expected error for empty record id")
	}
	if err := store.RecordEvent(ctx, Event{RecordID: "rec-1", Signal: "meh"}); err == nil {
		t.Fatal("expected error for invalid signal")
	}
}

func TestStore_RecomputesTamperedAggregate(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.RecordEvent(ctx, Event{RecordID: "rec-1", Signal: SignalPositive}); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	// Corrupt the cache so positive exceeds total.
	if _, err := db.Exec(`UPDATE feedback_aggregates SET positive_count = 99 WHERE record_id = 'rec-1'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	agg, err := store.Aggregate(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.PositiveCount != 3 || agg.TotalCount != 3 {
		t.Fatalf("expected recomputed 3/3, got %d/%d", agg.PositiveCount, agg.TotalCount)
	}
}

func TestStore_OverallStats(t *testing.T) {
	store := NewStore(setupTestDB(t), zerolog.Nop())
	ctx := context.Background()

	empty, err := store.OverallStats(ctx)
	if err != nil {
		t.Fatalf("OverallStats: %v", err)
	}
	if empty.TotalEvents != 0 || empty.PositiveRatio != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}

	signals := []Signal{SignalPositive, SignalPositive, SignalPositive, SignalNegative}
	for i, sig := range signals {
		if err := store.RecordEvent(ctx, Event{RecordID: "rec-1", Signal: sig}); err != nil {
			t.Fatalf("RecordEvent %d: %v", i, err)
		}
	}

	stats, err := store.OverallStats(ctx)
	if err != nil {
		t.Fatalf("OverallStats: %v", err)
	}
	if stats.TotalEvents != 4 || stats.PositiveCount != 3 || stats.NegativeCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PositiveRatio != 0.75 {
		t.Fatalf("expected ratio 0.75, got %v", stats.PositiveRatio)
	}
}
