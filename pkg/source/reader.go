package source

import (
	"context"
	"fmt"
	"iter"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/rs/zerolog"
)

// DefaultMaxPages is the pagination ceiling when none is configured
const DefaultMaxPages = 200

// Reader walks every page of an entity type
type Reader struct {
	api      API
	maxPages int
	logger   zerolog.Logger
}

// NewReader creates a reader over api. maxPages <= 0 uses DefaultMaxPages.
func NewReader(api API, maxPages int, logger zerolog.Logger) *Reader {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Reader{
		api:      api,
		maxPages: maxPages,
		logger:   logger.With().Str("component", "source_reader").Logger(),
	}
}

// FetchAll lazily yields every record of t, following next cursors until a
// page comes back without one. Records repeated across pages are yielded
// once. A fetch error is yielded as the final element. The sequence always
// starts from the first page.
func (r *Reader) FetchAll(ctx context.Context, t models.EntityType, pageSize int) iter.Seq2[models.SourceRecord, error] {
	return func(yield func(models.SourceRecord, error) bool) {
		seen := make(map[string]struct{})
		cursor := ""
		duplicates := 0
		skipped := 0

		for pages := 0; ; pages++ {
			if pages >= r.maxPages {
				yield(models.SourceRecord{}, fmt.Errorf("%w: %s stopped after %d pages", ErrPageLimitExceeded, t, pages))
				return
			}

			page, err := r.api.FetchPage(ctx, t, cursor, pageSize)
			if err != nil {
				yield(models.SourceRecord{}, fmt.Errorf("failed to fetch %s page %d: %w", t, pages+1, err))
				return
			}

			for _, rec := range page.Records {
				if rec.ExternalID == "" {
					skipped++
					continue
				}
				if _, dup := seen[rec.ExternalID]; dup {
					duplicates++
					continue
				}
				seen[rec.ExternalID] = struct{}{}
				rec.Type = t
				if !yield(rec, nil) {
					return
				}
			}

			r.logger.Debug().
				Str("entity_type", string(t)).
				Int("page", pages+1).
				Int("records", len(page.Records)).
				Bool("has_next", page.NextCursor != "").
				Msg("Page read")

			if page.NextCursor == "" {
				if duplicates > 0 || skipped > 0 {
					r.logger.Warn().
						Str("entity_type", string(t)).
						Int("duplicates", duplicates).
						Int("missing_id", skipped).
						Msg("Source returned repeated or unidentified records")
				}
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Collect drains FetchAll. On error it returns the records read so far.
func (r *Reader) Collect(ctx context.Context, t models.EntityType, pageSize int) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	for rec, err := range r.FetchAll(ctx, t, pageSize) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
