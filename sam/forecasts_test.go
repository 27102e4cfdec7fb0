package sam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

type staticSource struct {
	rows []*Forecast
}

func (s *staticSource) Forecasts(_ context.Context, _ string) ([]*Forecast, error) {
	return s.rows, nil
}

func forecastFixture(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	for _, sol := range []*Solicitation{
		{OrganizationID: "org-1", SolicitationNumber: "SOL-A", Title: "Radios", PostedDate: tp("2026-08-10"), ResponseDeadline: tp("2026-09-01")},
		{OrganizationID: "org-1", SolicitationNumber: "SOL-B", Title: "Trucks", PostedDate: tp("2026-08-20")},
		{OrganizationID: "org-2", SolicitationNumber: "SOL-X", Title: "Elsewhere", PostedDate: tp("2026-08-15")},
	} {
		_, err := store.UpsertSolicitation(ctx, sol)
		require.NoError(t, err)
	}
	for _, n := range []*Notice{
		{OrganizationID: "org-1", NoticeID: "n-1", SolicitationNumber: "SOL-A", Title: "Radios amendment"},
		{OrganizationID: "org-1", NoticeID: "n-2", SolicitationNumber: "ORPHAN-1", Title: "Boats", PostedDate: tp("2026-08-15")},
	} {
		_, err := store.UpsertNotice(ctx, n)
		require.NoError(t, err)
	}
	return store
}

func TestForecastsMergeSkipsCoveredNotices(t *testing.T) {
	ctx := context.Background()
	store := forecastFixture(t)
	rows, err := NewForecasts(store).List(ctx, "org-1", SortPostedDate, false)
	require.NoError(t, err)

	// Two solicitations plus the orphan notice; the SOL-A notice is covered.
	require.Len(t, rows, 3)
	titles := []string{rows[0].Title, rows[1].Title, rows[2].Title}
	assert.Equal(t, []string{"Radios", "Boats", "Trucks"}, titles)
	assert.Equal(t, "notice", rows[1].Source)
}

func TestForecastsNullOrdering(t *testing.T) {
	ctx := context.Background()
	store := forecastFixture(t)
	f := NewForecasts(store)

	// SOL-B has no deadline: last ascending, first descending.
	asc, err := f.List(ctx, "org-1", SortResponseDeadline, false)
	require.NoError(t, err)
	assert.Equal(t, "Radios", asc[0].Title)
	assert.Nil(t, asc[len(asc)-1].ResponseDeadline)

	desc, err := f.List(ctx, "org-1", SortResponseDeadline, true)
	require.NoError(t, err)
	assert.Nil(t, desc[0].ResponseDeadline)
	assert.Equal(t, "Radios", desc[len(desc)-1].Title)
}

func TestForecastsExtraSourcesAndSortWhitelist(t *testing.T) {
	ctx := context.Background()
	store := forecastFixture(t)
	extra := &staticSource{rows: []*Forecast{
		{Source: "scraped", Title: "Aircraft", PostedDate: tp("2026-08-25")},
	}}
	f := NewForecasts(store, extra)

	rows, err := f.List(ctx, "org-1", SortTitle, false)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Aircraft", rows[0].Title)

	_, err = f.List(ctx, "org-1", "agency; DROP TABLE", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sort field")
}
