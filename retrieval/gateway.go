package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/prospecthq/prospectd/index"
	"github.com/prospecthq/prospectd/ranking"
)

// ErrIndexUnavailable indicates the vector index could not serve the query.
// An empty result set is not an error and is never reported as one.
var ErrIndexUnavailable = errors.New("retrieval: index unavailable")

// Options tune over-fetching. Over-fetching leaves the ranking engine room
// to reorder before truncation; without it, feedback could only demote
// results off the end of the list, never promote new ones in.
type Options struct {
	// OverfetchFactor multiplies topK when querying the index.
	OverfetchFactor int
}

// DefaultOptions returns 3x over-fetch.
func DefaultOptions() Options {
	return Options{OverfetchFactor: 3}
}

// Gateway is the retrieval entry point: embed the query, over-fetch nearest
// neighbors, filter, boost, rank, truncate.
type Gateway struct {
	embedder index.Embedder
	idx      index.Index
	records  index.RecordSource
	engine   *ranking.Engine
	boosts   []BoostRule
	opts     Options
	logger   zerolog.Logger
}

// NewGateway creates a Gateway. boosts may be nil for similarity-only retrieval.
func NewGateway(embedder index.Embedder, idx index.Index, records index.RecordSource, engine *ranking.Engine, boosts []BoostRule, opts Options, logger zerolog.Logger) (*Gateway, error) {
	if embedder == nil || idx == nil || records == nil || engine == nil {
		return nil, errors.New("embedder, index, record source, and ranking engine are required")
	}
	if opts.OverfetchFactor < 1 {
		opts.OverfetchFactor = DefaultOptions().OverfetchFactor
	}
	return &Gateway{
		embedder: embedder,
		idx:      idx,
		records:  records,
		engine:   engine,
		boosts:   boosts,
		opts:     opts,
		logger:   logger.With().Str("component", "retrieval_gateway").Logger(),
	}, nil
}

// Search returns up to topK ranked results for the query. Filters are exact
// (case-insensitive) attribute requirements applied before ranking.
//
// If the feedback store is down, Search still returns valid similarity-ordered
// results together with ranking.ErrFeedbackUnavailable.
func (g *Gateway) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]ranking.RankedResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	vector, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := g.idx.Query(ctx, vector, topK*g.opts.OverfetchFactor)
	if err != nil {
		g.logger.Error().Err(err).Msg("Index query failed")
		if errors.Is(err, index.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		return nil, fmt.Errorf("%w: query failed: %w", ErrIndexUnavailable, err)
	}
	if len(hits) == 0 {
		return []ranking.RankedResult{}, nil
	}

	ids := lo.Map(hits, func(h index.Hit, _ int) string { return h.RecordID })
	recs, err := g.records.GetRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: load records: %w", ErrIndexUnavailable, err)
	}

	candidates := make([]ranking.Candidate, 0, len(hits))
	for _, h := range hits {
		rec, ok := recs[h.RecordID]
		if !ok {
			// The index can briefly reference records removed by a rebuild.
			g.logger.Debug().Str("record_id", h.RecordID).Msg("Hit references missing record, skipping")
			continue
		}
		if !matchesFilters(rec, filters) {
			continue
		}
		sim := normalizeScore(h.Score, g.idx.Order())
		for _, boost := range g.boosts {
			sim += boost(query, rec)
		}
		candidates = append(candidates, ranking.Candidate{
			Record:     rec,
			Similarity: clamp01(sim),
		})
	}
	if len(candidates) == 0 {
		return []ranking.RankedResult{}, nil
	}

	results, rankErr := g.engine.Rank(ctx, candidates)
	if rankErr != nil && !errors.Is(rankErr, ranking.ErrFeedbackUnavailable) {
		return nil, fmt.Errorf("rank candidates: %w", rankErr)
	}
	if len(results) > topK {
		results = results[:topK]
	}

	g.logger.Debug().
		Int("hits", len(hits)).
		Int("candidates", len(candidates)).
		Int("returned", len(results)).
		Bool("neutral_fallback", rankErr != nil).
		Msg("Search completed")
	return results, rankErr
}

// matchesFilters requires every filter key to match the record attribute
// exactly, ignoring case. A missing attribute never matches.
func matchesFilters(rec index.Record, filters map[string]string) bool {
	for key, want := range filters {
		got, ok := rec.Attributes[key]
		if !ok || !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			return false
		}
	}
	return true
}

// normalizeScore maps an index score to a similarity in [0, 1] where higher
// means closer, regardless of what the index reports.
func normalizeScore(score float64, order index.ScoreOrder) float64 {
	switch order {
	case index.OrderDistance:
		if score < 0 {
			score = 0
		}
		return 1 / (1 + score)
	default:
		return clamp01(score)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
