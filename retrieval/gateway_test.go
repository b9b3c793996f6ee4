package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/feedback"
	"github.com/prospecthq/prospectd/index"
	"github.com/prospecthq/prospectd/migrations"
	"github.com/prospecthq/prospectd/ranking"

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

type stubEmbedder struct {
	vec []float32
}

func (s stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, nil
}

type mapAggregates map[string]feedback.Aggregate

func (m mapAggregates) Aggregate(_ context.Context, recordID string) (feedback.Aggregate, error) {
	return m[recordID], nil
}

type failingAggregates struct{}

func (failingAggregates) Aggregate(context.Context, string) (feedback.Aggregate, error) {
	return feedback.Aggregate{}, errors.New("store down")
}

type failingIndex struct{}

func (failingIndex) Query(context.Context, []float32, int) ([]index.Hit, error) {
	return nil, errors.New("connection refused")
}

func (failingIndex) Order() index.ScoreOrder { return index.OrderSimilarity }

// distanceIndex mimics an external ANN service that reports L2 distances.
type distanceIndex struct {
	hits []index.Hit
}

func (d distanceIndex) Query(context.Context, []float32, int) ([]index.Hit, error) {
	return d.hits, nil
}

func (distanceIndex) Order() index.ScoreOrder { return index.OrderDistance }

type mapRecords map[string]index.Record

func (m mapRecords) GetRecords(_ context.Context, ids []string) (map[string]index.Record, error) {
	out := make(map[string]index.Record)
	for _, id := range ids {
		if rec, ok := m[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, aggs ranking.AggregateSource) *ranking.Engine {
	t.Helper()
	engine, err := ranking.NewEngine(ranking.DefaultParams(), aggs, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func seedIndex(t *testing.T, idx *index.SQLiteIndex, records []index.Record) {
	t.Helper()
	for _, rec := range records {
		if err := idx.UpsertRecord(context.Background(), rec); err != nil {
			t.Fatalf("UpsertRecord %s: %v", rec.ID, err)
		}
	}
}

func TestGateway_SearchRanksAndTruncates(t *testing.T) {
	idx := index.NewSQLiteIndex(setupTestDB(t), zerolog.Nop())
	seedIndex(t, idx, []index.Record{
		{ID: "exact", Attributes: map[string]string{"name": "Exact"}, Embedding: []float32{1, 0}},
		{ID: "close", Attributes: map[string]string{"name": "Close"}, Embedding: []float32{0.9, 0.4}},
		{ID: "far", Attributes: map[string]string{"name": "Far"}, Embedding: []float32{0, 1}},
	})

	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, idx, idx, newTestEngine(t, mapAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Record.ID != "exact" || results[1].Record.ID != "close" {
		t.Fatalf("unexpected order: %s, %s", results[0].Record.ID, results[1].Record.ID)
	}
}

func TestGateway_FeedbackReordersWithinOverfetch(t *testing.T) {
	idx := index.NewSQLiteIndex(setupTestDB(t), zerolog.Nop())
	seedIndex(t, idx, []index.Record{
		{ID: "similar-but-disliked", Embedding: []float32{1, 0.05}},
		{ID: "liked", Embedding: []float32{1, 0.25}},
	})
	aggs := mapAggregates{
		"similar-but-disliked": {RecordID: "similar-but-disliked", PositiveCount: 1, TotalCount: 20},
		"liked":                {RecordID: "liked", PositiveCount: 19, TotalCount: 20},
	}

	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, idx, idx, newTestEngine(t, aggs), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "liked" {
		t.Fatalf("expected feedback to promote 'liked' into the top slot, got %+v", results)
	}
}

func TestGateway_FiltersExclude(t *testing.T) {
	idx := index.NewSQLiteIndex(setupTestDB(t), zerolog.Nop())
	seedIndex(t, idx, []index.Record{
		{ID: "albany", Attributes: map[string]string{"city": "Albany"}, Embedding: []float32{1, 0}},
		{ID: "troy", Attributes: map[string]string{"city": "Troy"}, Embedding: []float32{1, 0}},
	})

	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, idx, idx, newTestEngine(t, mapAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 5, map[string]string{"city": "albany"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "albany" {
		t.Fatalf("expected only the albany record, got %+v", results)
	}
}

func TestGateway_EmptyIndexIsEmptyNotError(t *testing.T) {
	idx := index.NewSQLiteIndex(setupTestDB(t), zerolog.Nop())

	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, idx, idx, newTestEngine(t, mapAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 5, nil)
	if err != nil {
		t.Fatalf("Search on empty index should not error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestGateway_IndexFailure(t *testing.T) {
	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, failingIndex{}, mapRecords{}, newTestEngine(t, mapAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	_, err = gw.Search(context.Background(), "plumbers", 5, nil)
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestGateway_FeedbackOutageDegradesExplicitly(t *testing.T) {
	idx := index.NewSQLiteIndex(setupTestDB(t), zerolog.Nop())
	seedIndex(t, idx, []index.Record{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0.5, 0.5}},
	})

	gw, err := NewGateway(stubEmbedder{vec: []float32{1, 0}}, idx, idx, newTestEngine(t, failingAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 5, nil)
	if !errors.Is(err, ranking.ErrFeedbackUnavailable) {
		t.Fatalf("expected ErrFeedbackUnavailable, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected degraded results alongside the error, got %d", len(results))
	}
	if results[0].Record.ID != "a" {
		t.Fatalf("degraded results should still order by similarity, got %s first", results[0].Record.ID)
	}
}

func TestGateway_DistanceScoresNormalized(t *testing.T) {
	idx := distanceIndex{hits: []index.Hit{
		{RecordID: "near", Score: 0.1},
		{RecordID: "far", Score: 2.0},
	}}
	records := mapRecords{
		"near": {ID: "near"},
		"far":  {ID: "far"},
	}

	gw, err := NewGateway(stubEmbedder{vec: []float32{1}}, idx, records, newTestEngine(t, mapAggregates{}), nil, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	results, err := gw.Search(context.Background(), "plumbers", 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Record.ID != "near" {
		t.Fatalf("smaller distance should rank first, got %s", results[0].Record.ID)
	}
	for _, res := range results {
		if res.Similarity < 0 || res.Similarity > 1 {
			t.Fatalf("normalized similarity out of range: %v", res.Similarity)
		}
	}
}
