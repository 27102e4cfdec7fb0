package sam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Forecast is one row of the unified opportunity view. It is a query-time
// merge, never persisted.
type Forecast struct {
	Source             string     `json:"source"`
	SolicitationNumber string     `json:"solicitation_number,omitempty"`
	Title              string     `json:"title"`
	Agency             string     `json:"agency,omitempty"`
	NoticeType         string     `json:"notice_type,omitempty"`
	PostedDate         *time.Time `json:"posted_date,omitempty"`
	ResponseDeadline   *time.Time `json:"response_deadline,omitempty"`
	URL                string     `json:"url,omitempty"`
	Summary            string     `json:"summary,omitempty"`
}

// ForecastSource contributes rows from outside this package, such as
// opportunity metadata extracted from scraped pages.
type ForecastSource interface {
	Forecasts(ctx context.Context, org string) ([]*Forecast, error)
}

// Forecasts merges solicitations, orphan notices, and any extra sources into
// one sortable view.
type Forecasts struct {
	store Store
	extra []ForecastSource
}

// NewForecasts wires the unified view.
func NewForecasts(store Store, extra ...ForecastSource) *Forecasts {
	return &Forecasts{store: store, extra: extra}
}

// Sortable fields of the unified view.
const (
	SortPostedDate       = "posted_date"
	SortResponseDeadline = "response_deadline"
	SortTitle            = "title"
)

// List returns the merged view sorted by a whitelisted field. Rows missing
// the sort value go last ascending and first descending.
func (f *Forecasts) List(ctx context.Context, org, sortBy string, desc bool) ([]*Forecast, error) {
	if sortBy == "" {
		sortBy = SortPostedDate
	}
	switch sortBy {
	case SortPostedDate, SortResponseDeadline, SortTitle:
	default:
		return nil, fmt.Errorf("unsupported sort field %q", sortBy)
	}

	sols, err := f.store.ListSolicitations(ctx, org)
	if err != nil {
		return nil, err
	}
	notices, err := f.store.ListNotices(ctx, org)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]bool, len(sols))
	rows := make([]*Forecast, 0, len(sols)+len(notices))
	for _, sol := range sols {
		covered[sol.SolicitationNumber] = true
		rows = append(rows, &Forecast{
			Source:             "solicitation",
			SolicitationNumber: sol.SolicitationNumber,
			Title:              sol.Title,
			Agency:             sol.Agency,
			NoticeType:         sol.NoticeType,
			PostedDate:         sol.PostedDate,
			ResponseDeadline:   sol.ResponseDeadline,
			URL:                sol.SAMURL,
			Summary:            sol.Summary,
		})
	}
	for _, n := range notices {
		if covered[n.SolicitationNumber] {
			continue
		}
		rows = append(rows, &Forecast{
			Source:             "notice",
			SolicitationNumber: n.SolicitationNumber,
			Title:              n.Title,
			NoticeType:         n.NoticeType,
			PostedDate:         n.PostedDate,
			ResponseDeadline:   n.ResponseDeadline,
			URL:                n.SAMURL,
		})
	}
	for _, src := range f.extra {
		extra, err := src.Forecasts(ctx, org)
		if err != nil {
			return nil, err
		}
		rows = append(rows, extra...)
	}

	sortForecasts(rows, sortBy, desc)
	return rows, nil
}

func sortForecasts(rows []*Forecast, sortBy string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		if sortBy == SortTitle {
			a, b := strings.ToLower(rows[i].Title), strings.ToLower(rows[j].Title)
			if desc {
				return a > b
			}
			return a < b
		}
		a, b := sortTime(rows[i], sortBy), sortTime(rows[j], sortBy)
		// Missing values sort last ascending, first descending.
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return desc
		case b == nil:
			return !desc
		}
		if desc {
			return a.After(*b)
		}
		return a.Before(*b)
	})
}

func sortTime(row *Forecast, sortBy string) *time.Time {
	if sortBy == SortResponseDeadline {
		return row.ResponseDeadline
	}
	return row.PostedDate
}
