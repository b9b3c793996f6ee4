package index

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the index could not be reached or is not loaded.
// An empty result set is a different condition and is never reported as an
// error.
var ErrUnavailable = errors.New("index unavailable")

// Record is one retrievable entity. Records are created by index builds and
// are immutable from the caller's perspective.
type Record struct {
	ID         string
	Attributes map[string]string
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Hit is one nearest-neighbor match.
type Hit struct {
	RecordID string
	Score    float64
}

// ScoreOrder tells callers how to interpret Hit.Score, so sort direction
// is always correct regardless of the backing index.
type ScoreOrder string

const (
	// OrderSimilarity means a higher score is a closer match (e.g. cosine).
	OrderSimilarity ScoreOrder = "similarity"
	// OrderDistance means a lower score is a closer match (e.g. L2 distance).
	OrderDistance ScoreOrder = "distance"
)

// Index is the approximate-nearest-neighbor contract. Implementations may
// be approximate; retrieval completeness is not guaranteed.
type Index interface {
	// Query returns up to k hits for the query vector, best match first.
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// Order reports how Hit.Score is to be interpreted.
	Order() ScoreOrder
}

// RecordSource loads full records for hits returned by an Index.
type RecordSource interface {
	GetRecords(ctx context.Context, ids []string) (map[string]Record, error)
}
