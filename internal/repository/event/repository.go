package event

import (
	"context"
	"errors"

	domain "github.com/oshokin/overwatch/internal/domain/event"
)

const (
	// DefaultLimit is used when a query does not set a limit.
	DefaultLimit = 100
	// MaxLimit caps the page size.
	MaxLimit = 1000
)

// ErrDuplicate is returned when an event with the same id was already stored.
var ErrDuplicate = errors.New("event already exists")

// Repository is a storage backend for events.
type Repository interface {
	// Insert stores a prepared event or returns ErrDuplicate.
	Insert(ctx context.Context, e *domain.Event) error
	// Get returns the event or a NotFoundError.
	Get(ctx context.Context, id string) (*domain.Event, error)
	// Query returns one page of matching events in ascending (timestamp, id) order.
	Query(ctx context.Context, q Query) (*Page, error)
	// Count returns how many events match, ignoring cursors and limit.
	Count(ctx context.Context, q Query) (int, error)
}

// Query selects events of one tenant.
type Query struct {
	// Tenant is required.
	Tenant string
	// Site narrows the result when set.
	Site string
	// SourceType narrows the result when set.
	SourceType string
	// Since returns events strictly after the cursor.
	Since *domain.Cursor
	// Before returns events strictly before the cursor. When set without
	// Since, the page holds the events closest to the cursor.
	Before *domain.Cursor
	// Limit is the page size.
	Limit int
}

// backward reports whether the page is anchored at Before rather than Since.
func (q Query) backward() bool {
	return q.Before != nil && q.Since == nil
}

// matches applies the non-cursor filters.
func (q Query) matches(e *domain.Event) bool {
	if e.Tenant != q.Tenant {
		return false
	}

	if q.Site != "" && e.Site != q.Site {
		return false
	}

	return q.SourceType == "" || e.SourceType == q.SourceType
}

// within applies the cursor bounds.
func (q Query) within(e *domain.Event) bool {
	if q.Since != nil && !q.Since.After(e) {
		return false
	}

	return q.Before == nil || q.Before.Before(e)
}

// Page is one query result.
type Page struct {
	// Events are ordered by (timestamp, id) ascending.
	Events []*domain.Event `json:"events"`
	// Next continues forward when passed as Since.
	Next *domain.Cursor `json:"-"`
	// Prev continues backward when passed as Before.
	Prev *domain.Cursor `json:"-"`
}

// paginate builds a page from candidates fetched with one extra element.
// Forward candidates are ascending; backward candidates are descending.
func paginate(q Query, candidates []*domain.Event) *Page {
	more := len(candidates) > q.Limit
	if more {
		candidates = candidates[:q.Limit]
	}

	if q.backward() {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}

	page := &Page{Events: candidates}
	if len(candidates) == 0 {
		return page
	}

	first := domain.CursorOf(candidates[0])
	last := domain.CursorOf(candidates[len(candidates)-1])

	if q.backward() {
		page.Next = &last

		if more {
			page.Prev = &first
		}

		return page
	}

	if more || q.Before != nil {
		page.Next = &last
	}

	if q.Since != nil {
		page.Prev = &first
	}

	return page
}
