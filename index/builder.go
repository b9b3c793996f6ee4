package index

import (
	"context"
	"crypto/sha1" //nolint:gosec // not used for security, only stable record ids
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Listing is one entry in a scraped listings file. The scraper itself is an
// external collaborator; this is just its output shape.
type Listing struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	URL             string `json:"url"`
	AboutUs         string `json:"about_us"`
	YearsInBusiness string `json:"years_in_business"`
	Rating          string `json:"rating"`
	LastContact     string `json:"last_contact"`
}

// Builder turns a listings file into an embedded record set.
type Builder struct {
	embedder Embedder
	target   *SQLiteIndex
	logger   zerolog.Logger
}

// NewBuilder creates a Builder that writes into the given SQLiteIndex.
func NewBuilder(embedder Embedder, target *SQLiteIndex, logger zerolog.Logger) *Builder {
	return &Builder{
		embedder: embedder,
		target:   target,
		logger:   logger.With().Str("component", "index_builder").Logger(),
	}
}

// BuildFromFile reads a JSON listings file, embeds every listing and replaces
// the stored record set atomically. Returns the number of records written.
func (b *Builder) BuildFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path) //#nosec 304 -- intentional file read for index source
	if err != nil {
		return 0, fmt.Errorf("read listings file %q: %w", path, err)
	}

	var listings []Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return 0, fmt.Errorf("parse listings file %q: %w", path, err)
	}

	start := time.Now()
	records := make([]Record, 0, len(listings))
	for _, l := range listings {
		if strings.TrimSpace(l.Name) == "" {
			b.logger.Warn().Str("url", l.URL).Msg("Skipping listing without a name")
			continue
		}
		emb, err := b.embedWithRetry(ctx, embedText(l))
		if err != nil {
			return 0, fmt.Errorf("embed listing %q: %w", l.Name, err)
		}
		records = append(records, Record{
			ID:         ListingID(l),
			Attributes: listingAttributes(l),
			Embedding:  emb,
		})
	}

	// Duplicate ids collapse to the last occurrence so ReplaceAll stays valid.
	records = dedupeByID(records)

	if err := b.target.ReplaceAll(ctx, records); err != nil {
		return 0, err
	}

	b.logger.Info().
		Int("listings", len(listings)).
		Int("records", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("Index build completed")
	return len(records), nil
}

// embedWithRetry retries transient embedding failures with exponential backoff.
func (b *Builder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = 30 * time.Second

	var emb []float32
	operation := func() error {
		var err error
		emb, err = b.embedder.Embed(ctx, text)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(eb, ctx)); err != nil {
		return nil, err
	}
	return emb, nil
}

// ListingID derives a stable record id from the listing's identity fields, so
// rebuilds preserve ids and accumulated feedback keeps applying.
func ListingID(l Listing) string {
	h := sha1.New() //nolint:gosec // stable id, not a security boundary
	h.Write([]byte(l.Name))
	h.Write([]byte("|"))
	h.Write([]byte(l.Address))
	h.Write([]byte("|"))
	h.Write([]byte(l.URL))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func embedText(l Listing) string {
	var sb strings.Builder
	sb.WriteString("Name: " + l.Name + "\n")
	if l.AboutUs != "" {
		sb.WriteString("About: " + l.AboutUs + "\n")
	}
	if l.Address != "" {
		sb.WriteString("Address: " + l.Address + "\n")
	}
	if l.YearsInBusiness != "" {
		sb.WriteString("Years in business: " + l.YearsInBusiness + "\n")
	}
	return sb.String()
}

func listingAttributes(l Listing) map[string]string {
	attrs := map[string]string{"name": l.Name}
	set := func(key, val string) {
		if val != "" {
			attrs[key] = val
		}
	}
	set("address", l.Address)
	set("phone", l.Phone)
	set("url", l.URL)
	set("about_us", l.AboutUs)
	set("years_in_business", l.YearsInBusiness)
	set("rating", l.Rating)
	set("last_contact", l.LastContact)
	return attrs
}

func dedupeByID(records []Record) []Record {
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	out := make([]Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
