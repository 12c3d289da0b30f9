package listing

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/store"
)

// DateLayout is the format of fromDate and toDate.
const DateLayout = "2006-01-02"

// FilterParams are the raw query parameters of the admin document listing.
type FilterParams struct {
	Query    string
	Username string
	Status   string
	FromDate string
	ToDate   string
}

// ParseFilter turns raw parameters into a store filter. toDate is
// inclusive, so the range ends at the start of the following day. Dates
// that do not parse are ignored; an unknown status is rejected.
func ParseFilter(p FilterParams) (store.DocumentFilter, error) {
	filter := store.DocumentFilter{
		Text:   strings.TrimSpace(p.Query),
		Office: strings.TrimSpace(p.Username),
	}

	if raw := strings.TrimSpace(p.Status); raw != "" {
		status := lifecycle.ParseStatus(raw)
		if !status.Valid() {
			return store.DocumentFilter{}, errors.Mark(
				errors.WithHint(errors.Newf("unknown status %q", raw), "Invalid status."),
				lifecycle.ErrValidation,
			)
		}
		filter.Status = status
	}

	if from, ok := parseDate(p.FromDate); ok {
		filter.CreatedFrom = &from
	}
	if to, ok := parseDate(p.ToDate); ok {
		before := to.AddDate(0, 0, 1)
		filter.CreatedBefore = &before
	}
	return filter, nil
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(DateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
