package event

import (
	"context"
	"slices"
	"sync"

	"github.com/oshokin/overwatch/internal/domain/errs"
	domain "github.com/oshokin/overwatch/internal/domain/event"
)

// MemoryRepository keeps events in a slice ordered by (timestamp, id).
type MemoryRepository struct {
	// mu guards events and byID.
	mu sync.RWMutex
	// events is kept sorted so queries are range scans.
	events []*domain.Event
	// byID indexes events for Get and duplicate detection.
	byID map[string]*domain.Event
}

// NewMemoryRepository creates an empty in-memory backend.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[string]*domain.Event),
	}
}

// Insert stores a copy of the event.
func (r *MemoryRepository) Insert(_ context.Context, e *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[e.ID]; ok {
		return ErrDuplicate
	}

	stored := e.Clone()

	index, _ := slices.BinarySearchFunc(r.events, stored, compare)
	r.events = slices.Insert(r.events, index, stored)
	r.byID[stored.ID] = stored

	return nil
}

// Get returns a copy of the event.
func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.byID[id]
	if !ok {
		return nil, errs.NewNotFoundError("event", id)
	}

	return stored.Clone(), nil
}

// Query scans the ordered slice.
func (r *MemoryRepository) Query(_ context.Context, q Query) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]*domain.Event, 0, q.Limit+1)

	collect := func(e *domain.Event) bool {
		if q.matches(e) && q.within(e) {
			candidates = append(candidates, e.Clone())
		}

		return len(candidates) <= q.Limit
	}

	if q.backward() {
		for i := len(r.events) - 1; i >= 0; i-- {
			if !collect(r.events[i]) {
				break
			}
		}
	} else {
		for _, e := range r.events {
			if !collect(e) {
				break
			}
		}
	}

	return paginate(q, candidates), nil
}

// Count counts matching events.
func (r *MemoryRepository) Count(_ context.Context, q Query) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0

	for _, e := range r.events {
		if q.matches(e) {
			count++
		}
	}

	return count, nil
}

func compare(a, b *domain.Event) int {
	switch {
	case domain.Less(a, b):
		return -1
	case domain.Less(b, a):
		return 1
	default:
		return 0
	}
}
