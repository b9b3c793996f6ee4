package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/feedback"
	"github.com/prospecthq/prospectd/index"
)

// ErrFeedbackUnavailable reports that aggregates could not be read and the
// ranking fell back to the neutral confidence term for every candidate. The
// results returned alongside it are still valid, similarity-ordered output.
var ErrFeedbackUnavailable = errors.New("feedback store unavailable, ranked with neutral confidence")

// Params controls the score blend. There is no single correct default for
// Alpha or ConfidenceZ; deployments tune them.
type Params struct {
	// Alpha weights raw similarity against the feedback confidence term.
	Alpha float64
	// ConfidenceZ is the standard normal quantile for the Wilson interval
	// (1.96 for 95% confidence).
	ConfidenceZ float64
	// NeutralScore is the confidence term for records with no feedback.
	// It must lie strictly between 0 and 1 so unseen records rank neither
	// above well-liked ones nor below poorly-rated ones by default.
	NeutralScore float64
}

// DefaultParams mirrors a 0.7/0.3 similarity/feedback blend at 95% confidence.
func DefaultParams() Params {
	return Params{Alpha: 0.7, ConfidenceZ: 1.96, NeutralScore: 0.5}
}

func (p Params) validate() error {
	if p.Alpha < 0 || p.Alpha > 1 {
		return fmt.Errorf("alpha must be in [0,1], got %v", p.Alpha)
	}
	if p.ConfidenceZ <= 0 {
		return fmt.Errorf("confidence z must be positive, got %v", p.ConfidenceZ)
	}
	if p.NeutralScore <= 0 || p.NeutralScore >= 1 {
		return fmt.Errorf("neutral score must be strictly between 0 and 1, got %v", p.NeutralScore)
	}
	return nil
}

// Candidate is one record with its raw similarity score, already normalized
// so that higher means closer.
type Candidate struct {
	Record     index.Record
	Similarity float64
}

// RankedResult is a candidate after scoring. Ephemeral; built per query.
type RankedResult struct {
	Record     index.Record
	Similarity float64
	Confidence float64
	FinalScore float64
	// NeutralFallback is true when the confidence term is the neutral value
	// because the feedback store could not be read.
	NeutralFallback bool
}

// AggregateSource reads per-record feedback aggregates.
// *feedback.Store satisfies it.
type AggregateSource interface {
	Aggregate(ctx context.Context, recordID string) (feedback.Aggregate, error)
}

// Engine orders candidates by blending similarity with the Wilson
// lower-bound confidence of accumulated feedback.
type Engine struct {
	params     Params
	aggregates AggregateSource
	logger     zerolog.Logger
}

// NewEngine creates a ranking Engine.
func NewEngine(params Params, aggregates AggregateSource, logger zerolog.Logger) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid ranking params: %w", err)
	}
	if aggregates == nil {
		return nil, errors.New("aggregate source is required")
	}
	return &Engine{
		params:     params,
		aggregates: aggregates,
		logger:     logger.With().Str("component", "ranking_engine").Logger(),
	}, nil
}

// Rank scores and orders candidates descending by final score, ties broken
// by record id so the result is a total order independent of input order.
//
// If the feedback store cannot be read, every candidate gets the neutral
// confidence term and Rank returns the results together with
// ErrFeedbackUnavailable so the degradation is never silent.
func (e *Engine) Rank(ctx context.Context, candidates []Candidate) ([]RankedResult, error) {
	// Fetch aggregates first so a mid-batch storage failure degrades the
	// whole batch uniformly instead of scoring half with real confidence.
	aggs := make(map[string]feedback.Aggregate, len(candidates))
	var storeErr error
	for _, c := range candidates {
		agg, err := e.aggregates.Aggregate(ctx, c.Record.ID)
		if err != nil {
			storeErr = err
			e.logger.Error().Err(err).Msg("Feedback aggregate read failed, falling back to neutral confidence")
			break
		}
		aggs[c.Record.ID] = agg
	}

	results := make([]RankedResult, 0, len(candidates))
	for _, c := range candidates {
		confidence := e.params.NeutralScore
		if storeErr == nil {
			if agg := aggs[c.Record.ID]; agg.TotalCount > 0 {
				confidence = WilsonLowerBound(agg.PositiveCount, agg.TotalCount, e.params.ConfidenceZ)
			}
		}
		results = append(results, RankedResult{
			Record:          c.Record,
			Similarity:      c.Similarity,
			Confidence:      confidence,
			FinalScore:      e.params.Alpha*c.Similarity + (1-e.params.Alpha)*confidence,
			NeutralFallback: storeErr != nil,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].Record.ID < results[j].Record.ID
	})

	if storeErr != nil {
		return results, fmt.Errorf("%w: %w", ErrFeedbackUnavailable, storeErr)
	}
	return results, nil
}
