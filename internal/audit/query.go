package audit

import (
	"context"
	"fmt"
	"time"
)

// Pagination bounds for Query. Limit requests above the maximum are
// clamped, not rejected.
const (
	DefaultPageLimit = 25
	MaxPageLimit     = 500
)

// Filter selects audit records. Zero values mean "no filter"; all set
// fields combine with logical AND.
type Filter struct {
	EventType  EventType  // Exact match.
	TargetType TargetType // Exact match.
	Status     Status     // Exact match.
	Actor      string     // Case-insensitive substring of actor.
	Search     string     // Case-insensitive substring of description, actor or target_resource.
	From       time.Time  // Inclusive lower timestamp bound.
	To         time.Time  // Inclusive upper timestamp bound.
}

// QueryResult is one page of filtered records plus the post-filter total.
type QueryResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
}

// Query returns one page of records matching the filter, sorted by
// sequence number descending (most recent first). Pages are 1-indexed;
// page and limit fall back to 1 and DefaultPageLimit. Total reflects the
// full post-filter count regardless of page size. Read-only: an empty
// page is a valid result, never an error.
func (l *Log) Query(ctx context.Context, f Filter, page, limit int) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	total, err := l.index.count(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvailability, err)
	}

	records, err := l.index.query(f, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvailability, err)
	}

	return &QueryResult{
		Records: records,
		Total:   total,
		Page:    page,
		Limit:   limit,
	}, nil
}

// Search returns the complete filtered record set without pagination,
// still sorted by sequence number descending. Used by export and the
// compliance reporter, which need the whole match.
func (l *Log) Search(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := l.index.query(f, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvailability, err)
	}
	return records, nil
}

// ParseDateBound parses a filter date string. Bare dates ("2026-08-21")
// resolve to midnight UTC, or to the last nanosecond of the day when end
// is true, so date_to stays inclusive. Full RFC3339 timestamps pass
// through unchanged.
func ParseDateBound(s string, end bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		if end {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: invalid date %q (want YYYY-MM-DD or RFC3339)", ErrValidation, s)
}
