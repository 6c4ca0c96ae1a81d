package alarm

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
)

// MemoryRepository keeps alarms in process memory.
type MemoryRepository struct {
	// mu guards alarms and byKey.
	mu sync.RWMutex
	// alarms indexes stored copies by id.
	alarms map[string]*domain.Alarm
	// byKey lists alarm ids per correlation key in creation order.
	byKey map[string][]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		alarms: make(map[string]*domain.Alarm),
		byKey:  make(map[string][]string),
	}
}

// Create stores a copy of the alarm.
func (r *MemoryRepository) Create(_ context.Context, a *domain.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alarms[a.ID]; ok {
		return fmt.Errorf("create alarm %s: already exists", a.ID)
	}

	r.alarms[a.ID] = a.Clone()
	r.byKey[a.CorrelationKey] = append(r.byKey[a.CorrelationKey], a.ID)

	return nil
}

// Get returns a copy of the alarm.
func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.Alarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.alarms[id]
	if !ok {
		return nil, errs.NewNotFoundError("alarm", id)
	}

	return stored.Clone(), nil
}

// Update replaces the stored copy.
func (r *MemoryRepository) Update(_ context.Context, a *domain.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alarms[a.ID]; !ok {
		return errs.NewNotFoundError("alarm", a.ID)
	}

	r.alarms[a.ID] = a.Clone()

	return nil
}

// FindOpenByKey walks the key index from the newest alarm.
func (r *MemoryRepository) FindOpenByKey(_ context.Context, key string) (*domain.Alarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byKey[key]

	var newest *domain.Alarm

	for i := len(ids) - 1; i >= 0; i-- {
		stored := r.alarms[ids[i]]
		if !stored.Open() {
			continue
		}

		if newest == nil || stored.CreatedAt.After(newest.CreatedAt) {
			newest = stored
		}
	}

	if newest == nil {
		return nil, errs.NewNotFoundError("open alarm for key", key)
	}

	return newest.Clone(), nil
}

// List filters, sorts and pages alarms.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*domain.Alarm, error) {
	r.mu.RLock()

	matched := make([]*domain.Alarm, 0, len(r.alarms))

	for _, stored := range r.alarms {
		if f.matches(stored) {
			matched = append(matched, stored.Clone())
		}
	}

	r.mu.RUnlock()

	newestFirst(matched)

	if f.Offset >= len(matched) {
		return []*domain.Alarm{}, nil
	}

	matched = matched[max(f.Offset, 0):]

	return matched[:min(f.limit(), len(matched))], nil
}

// ListOpen returns copies of alarms the SLA sweep must inspect.
func (r *MemoryRepository) ListOpen(_ context.Context) ([]*domain.Alarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := make([]*domain.Alarm, 0)

	for _, stored := range r.alarms {
		if stored.Open() && stored.SLADeadline != nil {
			open = append(open, stored.Clone())
		}
	}

	return open, nil
}
