package source_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/source"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedAPI serves a fixed list of pages; page i's cursor is "p<i>"
type pagedAPI struct {
	pages [][]string
	// cursors overrides the next cursor returned after page i
	cursors map[int]string
	failAt  int
	calls   int
}

func (p *pagedAPI) FetchPage(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*source.Page, error) {
	p.calls++
	idx := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "p%d", &idx); err != nil {
			return nil, err
		}
	}
	if p.failAt > 0 && idx == p.failAt {
		return nil, &source.APIError{StatusCode: 404, Retryable: false}
	}

	page := &source.Page{}
	if idx < len(p.pages) {
		for _, id := range p.pages[idx] {
			page.Records = append(page.Records, models.SourceRecord{
				ExternalID: id,
				Fields:     map[string]interface{}{"name": id},
			})
		}
	}
	if next, ok := p.cursors[idx]; ok {
		page.NextCursor = next
	} else if idx+1 < len(p.pages) {
		page.NextCursor = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func TestReader_FollowsCursorUntilAbsent(t *testing.T) {
	api := &pagedAPI{pages: [][]string{{"a", "b"}, {"c", "d"}, {"e"}}}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Story, 2)
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, models.Story, records[0].Type)
	assert.Equal(t, 3, api.calls)
}

func TestReader_FullLastPageWithCursor(t *testing.T) {
	// The last real page is exactly full and still carries a cursor that
	// leads to an empty page without one.
	api := &pagedAPI{
		pages:   [][]string{{"a", "b"}, {"c", "d"}, {}},
		cursors: map[int]string{1: "p2"},
	}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Theme, 2)
	require.NoError(t, err)
	assert.Len(t, records, 4)
	assert.Equal(t, 3, api.calls)
}

func TestReader_ShortPageWithCursorContinues(t *testing.T) {
	// A short page is not the end while a cursor is present
	api := &pagedAPI{pages: [][]string{{"a"}, {"b", "c"}}}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Quote, 2)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestReader_FullPageWithoutCursorStops(t *testing.T) {
	api := &pagedAPI{
		pages:   [][]string{{"a", "b"}, {"c", "d"}},
		cursors: map[int]string{0: ""},
	}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Quote, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, api.calls)
}

func TestReader_DeduplicatesAcrossPages(t *testing.T) {
	api := &pagedAPI{pages: [][]string{{"a", "b"}, {"b", "c"}, {"a", "d"}}}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Media, 2)
	require.NoError(t, err)

	var ids []string
	for _, r := range records {
		ids = append(ids, r.ExternalID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestReader_PageLimitExceeded(t *testing.T) {
	// Every page points back at page 1: an API that never ends
	api := &pagedAPI{
		pages:   [][]string{{"a"}, {"b"}},
		cursors: map[int]string{0: "p1", 1: "p1"},
	}
	reader := source.NewReader(api, 5, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Project, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrPageLimitExceeded))
	assert.Len(t, records, 2)
	assert.Equal(t, 5, api.calls)
}

func TestReader_FetchErrorEndsSequence(t *testing.T) {
	api := &pagedAPI{pages: [][]string{{"a"}, {"b"}, {"c"}}, failAt: 1}
	reader := source.NewReader(api, 10, zerolog.Nop())

	records, err := reader.Collect(context.Background(), models.Organization, 1)
	require.Error(t, err)
	assert.False(t, source.IsRetryable(err))
	assert.Len(t, records, 1)
}

func TestReader_StopsWhenConsumerBreaks(t *testing.T) {
	api := &pagedAPI{pages: [][]string{{"a", "b"}, {"c"}}}
	reader := source.NewReader(api, 10, zerolog.Nop())

	count := 0
	for _, err := range reader.FetchAll(context.Background(), models.Location, 2) {
		require.NoError(t, err)
		count++
		if count == 1 {
			break
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, api.calls)
}

func TestReader_Restartable(t *testing.T) {
	api := &pagedAPI{pages: [][]string{{"a"}, {"b"}}}
	reader := source.NewReader(api, 10, zerolog.Nop())
	seq := reader.FetchAll(context.Background(), models.Location, 1)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	assert.Equal(t, 2, first)
	assert.Equal(t, 2, second)
}
