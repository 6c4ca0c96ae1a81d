package attempt

import (
	"context"
	"slices"
	"sync"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

// Repository defines persistence operations for notification attempts.
type Repository interface {
	// Save inserts or replaces an attempt.
	Save(ctx context.Context, a *notification.Attempt) error
	// Get returns a copy of the attempt or a NotFoundError.
	Get(ctx context.Context, id string) (*notification.Attempt, error)
	// ListPending returns every non-terminal attempt ordered by NextRetryAt.
	ListPending(ctx context.Context) ([]*notification.Attempt, error)
	// ListByAlarm returns the attempts of one alarm ordered by CreatedAt.
	ListByAlarm(ctx context.Context, alarmID string) ([]*notification.Attempt, error)
}

// MemoryRepository keeps attempts in process memory.
type MemoryRepository struct {
	// mu guards attempts.
	mu sync.RWMutex
	// attempts indexes stored copies by id.
	attempts map[string]*notification.Attempt
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		attempts: make(map[string]*notification.Attempt),
	}
}

// Save stores a copy of the attempt.
func (r *MemoryRepository) Save(_ context.Context, a *notification.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[a.ID] = a.Clone()

	return nil
}

// Get returns a copy of the attempt.
func (r *MemoryRepository) Get(_ context.Context, id string) (*notification.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.attempts[id]
	if !ok {
		return nil, errs.NewNotFoundError("notification attempt", id)
	}

	return stored.Clone(), nil
}

// ListPending returns copies of non-terminal attempts.
func (r *MemoryRepository) ListPending(_ context.Context) ([]*notification.Attempt, error) {
	return r.collect(func(a *notification.Attempt) bool { return !a.Status.Terminal() }, func(a, b *notification.Attempt) int {
		return a.NextRetryAt.Compare(b.NextRetryAt)
	}), nil
}

// ListByAlarm returns copies of the alarm's attempts.
func (r *MemoryRepository) ListByAlarm(_ context.Context, alarmID string) ([]*notification.Attempt, error) {
	return r.collect(func(a *notification.Attempt) bool { return a.AlarmID == alarmID }, func(a, b *notification.Attempt) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	}), nil
}

// snapshot returns copies of every attempt.
func (r *MemoryRepository) snapshot() []*notification.Attempt {
	return r.collect(func(*notification.Attempt) bool { return true }, func(a, b *notification.Attempt) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func (r *MemoryRepository) collect(
	keep func(*notification.Attempt) bool,
	order func(a, b *notification.Attempt) int,
) []*notification.Attempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*notification.Attempt, 0)

	for _, stored := range r.attempts {
		if keep(stored) {
			result = append(result, stored.Clone())
		}
	}

	slices.SortStableFunc(result, func(a, b *notification.Attempt) int {
		if c := order(a, b); c != 0 {
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

	return result
}
