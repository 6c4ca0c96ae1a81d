package alarm

import (
	"context"
	"slices"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
)

// DefaultLimit is used when a filter does not set a limit.
const DefaultLimit = 100

// Repository defines persistence operations for alarms.
type Repository interface {
	// Create stores a new alarm.
	Create(ctx context.Context, a *domain.Alarm) error
	// Get returns a copy of the alarm or a NotFoundError.
	Get(ctx context.Context, id string) (*domain.Alarm, error)
	// Update replaces a stored alarm or returns a NotFoundError.
	Update(ctx context.Context, a *domain.Alarm) error
	// FindOpenByKey returns the most recently created non-terminal alarm for
	// the correlation key or a NotFoundError.
	FindOpenByKey(ctx context.Context, key string) (*domain.Alarm, error)
	// List returns alarms matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*domain.Alarm, error)
	// ListOpen returns every non-terminal alarm that still has an SLA deadline.
	ListOpen(ctx context.Context) ([]*domain.Alarm, error)
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	// Tenant matches the owning tenant.
	Tenant string
	// Site matches the site.
	Site string
	// State matches the lifecycle state.
	State domain.State
	// Severity matches the severity.
	Severity domain.Severity
	// Assignee matches the assigned operator.
	Assignee string
	// Limit is the page size.
	Limit int
	// Offset skips that many alarms.
	Offset int
}

func (f Filter) matches(a *domain.Alarm) bool {
	switch {
	case f.Tenant != "" && a.Tenant != f.Tenant:
		return false
	case f.Site != "" && a.Site != f.Site:
		return false
	case f.State != "" && a.State != f.State:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case f.Assignee != "" && a.AssignedOperator != f.Assignee:
		return false
	default:
		return true
	}
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}

	return f.Limit
}

// newestFirst orders alarms by creation time descending, then id.
func newestFirst(alarms []*domain.Alarm) {
	slices.SortFunc(alarms, func(a, b *domain.Alarm) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
