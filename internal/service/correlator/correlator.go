package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/logger"
	repo "github.com/oshokin/overwatch/internal/repository/alarm"
	"github.com/oshokin/overwatch/internal/service/alarm"
	"github.com/oshokin/overwatch/internal/service/keylock"
)

// DefaultWindow is used when no correlation window is configured.
const DefaultWindow = 5 * time.Minute

// severityField is the payload field a sensor may use to suggest a severity.
const severityField = "severity"

// Correlator links events to open alarms or opens new ones.
type Correlator struct {
	// alarms performs alarm mutations.
	alarms *alarm.Manager
	// repo finds open alarms by key.
	repo repo.Repository
	// locks serializes correlation per key.
	locks keylock.Locker
	// window bounds how old an open alarm may be to absorb a new event.
	window time.Duration
	// defaultSeverity is used when the event suggests none.
	defaultSeverity domain.Severity
}

// New creates a correlator. The locker must be distinct from the one the
// alarm manager uses.
func New(
	manager *alarm.Manager,
	repository repo.Repository,
	locks keylock.Locker,
	window time.Duration,
	defaultSeverity domain.Severity,
) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}

	if !defaultSeverity.Valid() {
		defaultSeverity = domain.SeverityMinor
	}

	return &Correlator{
		alarms:          manager,
		repo:            repository,
		locks:           locks,
		window:          window,
		defaultSeverity: defaultSeverity,
	}
}

// Correlate assigns a persisted event to an alarm. It reports whether a new
// alarm was created. Concurrent calls for the same key create at most one
// alarm per window.
func (c *Correlator) Correlate(ctx context.Context, e *event.Event) (*domain.Alarm, bool, error) {
	key := e.CorrelationKey()

	unlock, err := keylock.Acquire(ctx, c.locks, "correlation:"+key)
	if err != nil {
		return nil, false, fmt.Errorf("lock correlation key %s: %w", key, err)
	}

	defer unlock()

	for {
		open, err := c.findOpen(ctx, key)
		if err != nil {
			return nil, false, err
		}

		if open == nil {
			created, err := c.alarms.Create(ctx, e, c.severityOf(e))
			if err != nil {
				return nil, false, err
			}

			return created, true, nil
		}

		linked, err := c.alarms.LinkEvent(ctx, open.ID, e)

		switch {
		case errors.Is(err, alarm.ErrAlarmClosed):
			// Closed between lookup and link; look again.
			logger.DebugKV(ctx, "Alarm closed during correlation", "alarm_id", open.ID, "event_id", e.ID)

			continue
		case err != nil:
			return nil, false, err
		}

		logger.DebugKV(ctx, "Event linked to alarm", "alarm_id", linked.ID, "event_id", e.ID)

		return linked, false, nil
	}
}

// findOpen returns the open alarm for the key when it was created within the
// window, or nil.
func (c *Correlator) findOpen(ctx context.Context, key string) (*domain.Alarm, error) {
	open, err := c.repo.FindOpenByKey(ctx, key)

	switch {
	case errs.IsNotFound(err):
		return nil, nil //nolint:nilnil // No open alarm is a regular outcome.
	case err != nil:
		return nil, fmt.Errorf("find open alarm: %w", err)
	}

	if time.Since(open.CreatedAt) > c.window {
		return nil, nil //nolint:nilnil // Outside the window a new alarm is opened.
	}

	return open, nil
}

func (c *Correlator) severityOf(e *event.Event) domain.Severity {
	raw, ok := e.Payload[severityField].(string)
	if !ok {
		return c.defaultSeverity
	}

	severity, ok := domain.ParseSeverity(raw)
	if !ok {
		return c.defaultSeverity
	}

	return severity
}
