package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// WebResult is one external search hit.
type WebResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// WebLookup answers ad-hoc queries against an external search service.
type WebLookup interface {
	Lookup(ctx context.Context, query string) ([]WebResult, error)
}

// HTTPWebLookup talks to a search endpoint that accepts ?q= and returns a
// JSON array of results. Transient failures are retried with exponential
// backoff inside the caller's deadline.
type HTTPWebLookup struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPWebLookup creates an HTTPWebLookup for the given endpoint.
func NewHTTPWebLookup(endpoint string, logger zerolog.Logger) (*HTTPWebLookup, error) {
	if endpoint == "" {
		return nil, errors.New("web lookup endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid web lookup endpoint: %w", err)
	}
	return &HTTPWebLookup{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With().Str("component", "web_lookup").Logger(),
	}, nil
}

// Lookup implements WebLookup.
func (w *HTTPWebLookup) Lookup(ctx context.Context, query string) ([]WebResult, error) {
	reqURL := fmt.Sprintf("%s?q=%s", w.endpoint, url.QueryEscape(query))

	var results []WebResult
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("search service returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("search service returned %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &results); err != nil {
			return backoff.Permanent(fmt.Errorf("decode search results: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 20 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		w.logger.Warn().Err(err).Str("query", query).Msg("Web lookup failed")
		return nil, fmt.Errorf("web lookup: %w", err)
	}
	return results, nil
}
