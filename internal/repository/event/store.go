package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/overwatch/internal/domain/errs"
	domain "github.com/oshokin/overwatch/internal/domain/event"
)

// Enricher attaches derived metadata to an event before it is stored.
// Implementations must be synchronous and idempotent.
type Enricher interface {
	Enrich(e *domain.Event)
}

// Directory enriches events with site and area display names.
type Directory struct {
	// Sites maps site id to name.
	Sites map[string]string
	// Areas maps "site/area" or bare area id to name.
	Areas map[string]string
}

// Enrich sets site_name and area_name metadata when the directory knows them.
func (d Directory) Enrich(e *domain.Event) {
	set := func(key, value string) {
		if value == "" {
			return
		}

		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 2)
		}

		e.Metadata[key] = value
	}

	set("site_name", d.Sites[e.Site])

	if name, ok := d.Areas[e.Site+"/"+e.Area]; ok {
		set("area_name", name)
	} else {
		set("area_name", d.Areas[e.Area])
	}
}

// Store is the event store: it prepares events and delegates persistence.
type Store struct {
	// repo persists prepared events.
	repo Repository
	// enrichers run in order on every appended event.
	enrichers []Enricher
}

// NewStore creates a store over the given backend.
func NewStore(repo Repository, enrichers ...Enricher) *Store {
	return &Store{
		repo:      repo,
		enrichers: enrichers,
	}
}

// Append normalizes, validates, identifies and enriches the event, then
// persists it. The stored copy is returned; the argument is not modified.
func (s *Store) Append(ctx context.Context, e *domain.Event) (*domain.Event, error) {
	if e == nil {
		return nil, errs.NewValidationError("event", "event is required")
	}

	prepared := e.Clone()
	prepared.Normalize()

	if err := prepared.Validate(); err != nil {
		return nil, err
	}

	prepared.ID = strings.TrimSpace(prepared.ID)
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}

	prepared.ReceivedAt = time.Now().UTC()

	for _, enricher := range s.enrichers {
		enricher.Enrich(prepared)
	}

	if err := s.repo.Insert(ctx, prepared); err != nil {
		return nil, fmt.Errorf("insert event %s: %w", prepared.ID, err)
	}

	return prepared.Clone(), nil
}

// Get returns a stored event.
func (s *Store) Get(ctx context.Context, id string) (*domain.Event, error) {
	return s.repo.Get(ctx, id)
}

// Query validates the query, applies the default limit and returns a page.
func (s *Store) Query(ctx context.Context, q Query) (*Page, error) {
	q, err := prepareQuery(q)
	if err != nil {
		return nil, err
	}

	return s.repo.Query(ctx, q)
}

// Count returns how many events match the filters.
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	q, err := prepareQuery(q)
	if err != nil {
		return 0, err
	}

	return s.repo.Count(ctx, q)
}

func prepareQuery(q Query) (Query, error) {
	q.Tenant = strings.TrimSpace(q.Tenant)
	if q.Tenant == "" {
		return q, errs.NewValidationError("event query", "tenant is required")
	}

	if q.Limit < 0 {
		return q, errs.NewValidationError("event query", "limit must not be negative")
	}

	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}

	q.Limit = min(q.Limit, MaxLimit)

	return q, nil
}
