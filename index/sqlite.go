package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// SQLiteIndex stores records with their embeddings in sqlite and answers
// nearest-neighbor queries with an exact cosine scan. It serves as the
// default Index when no external ANN service is wired in; the scan is exact,
// so at small corpus sizes it is also the most accurate implementation.
type SQLiteIndex struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	_ Index        = (*SQLiteIndex)(nil)
	_ RecordSource = (*SQLiteIndex)(nil)
)

// NewSQLiteIndex creates a SQLiteIndex on an already-migrated database.
func NewSQLiteIndex(db *sql.DB, logger zerolog.Logger) *SQLiteIndex {
	return &SQLiteIndex{
		db:     db,
		logger: logger.With().Str("component", "sqlite_index").Logger(),
	}
}

// Order implements Index. Cosine similarity: higher is closer.
func (s *SQLiteIndex) Order() ScoreOrder {
	return OrderSimilarity
}

// Query implements Index by scanning all stored embeddings.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM records WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("%w: query records: %w", ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var hits []Hit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan record embedding: %w", err)
		}
		emb, err := DecodeEmbedding(blob)
		if err != nil {
			s.logger.Warn().Str("record_id", id).Err(err).Msg("Skipping record with corrupt embedding")
			continue
		}
		hits = append(hits, Hit{RecordID: id, Score: CosineSimilarity(vector, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %w", ErrUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RecordID < hits[j].RecordID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// GetRecords loads full records by id.
func (s *SQLiteIndex) GetRecords(ctx context.Context, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}

	query := sq.Select("id", "attributes", "embedding", "created_at", "updated_at").
		From("records").
		Where(sq.Eq{"id": ids})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	result := make(map[string]Record, len(ids))
	for rows.Next() {
		var (
			rec       Record
			attrsJSON sql.NullString
			blob      []byte
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &attrsJSON, &blob, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal attributes for %s: %w", rec.ID, err)
			}
		}
		rec.Embedding, err = DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		result[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return result, nil
}

// UpsertRecord writes one record, replacing any existing row with the same id.
func (s *SQLiteIndex) UpsertRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	var attrsJSON []byte
	var err error
	if rec.Attributes != nil {
		attrsJSON, err = json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
	}

	nowUnix := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO records (id, attributes, embedding, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    attributes = excluded.attributes,
    embedding = excluded.embedding,
    updated_at = excluded.updated_at
`, rec.ID, string(attrsJSON), EncodeEmbedding(rec.Embedding), nowUnix, nowUnix); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// ReplaceAll swaps the whole record set in one transaction. Used by index
// rebuilds so readers never observe a partially-built corpus.
func (s *SQLiteIndex) ReplaceAll(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	nowUnix := time.Now().Unix()
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record id is required")
		}
		var attrsJSON []byte
		if rec.Attributes != nil {
			attrsJSON, err = json.Marshal(rec.Attributes)
			if err != nil {
				return fmt.Errorf("marshal attributes for %s: %w", rec.ID, err)
			}
		}
		query := sq.Insert("records").
			Columns("id", "attributes", "embedding", "created_at", "updated_at").
			Values(rec.ID, string(attrsJSON), EncodeEmbedding(rec.Embedding), nowUnix, nowUnix)
		queryStr, args, err := query.ToSql()
		if err != nil {
			return fmt.Errorf("build record insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild tx: %w", err)
	}
	s.logger.Info().Int("records", len(records)).Msg("Record set replaced")
	return nil
}

// Count returns the number of stored records.
func (s *SQLiteIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
