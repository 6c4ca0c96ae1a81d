package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
	repo "github.com/oshokin/overwatch/internal/repository/alarm"
	"github.com/oshokin/overwatch/internal/service/keylock"
)

// Update actions published with alarm snapshots.
const (
	// UpdateCreated follows Create.
	UpdateCreated = "created"
	// UpdateUpdated follows event linking and rule-driven changes.
	UpdateUpdated = "updated"
	// UpdateTransitioned follows state changes.
	UpdateTransitioned = "transitioned"
	// UpdateAssigned follows a new assignee.
	UpdateAssigned = "assigned"
	// UpdateNote follows an operator note.
	UpdateNote = "note"
	// UpdateSeverity follows a severity change.
	UpdateSeverity = "severity_changed"
	// UpdateSLABreached follows the sweep flagging an alarm.
	UpdateSLABreached = "sla_breached"
)

// SystemActor is recorded for changes made by the service itself.
const SystemActor = "system"

// ErrAlarmClosed is returned when a closed alarm is asked to change.
var ErrAlarmClosed = errors.New("alarm is closed")

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	alarmsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "alarms_created_total",
		Help:      "Alarms created by correlation.",
	}, []string{"severity"})
	alarmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "alarm_transitions_total",
		Help:      "Alarm state transitions by target state.",
	}, []string{"state"})
	slaBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "alarm_sla_breaches_total",
		Help:      "Alarms flagged as past their SLA deadline.",
	})
)

// Publisher receives alarm snapshots after every persisted change.
type Publisher interface {
	PublishAlarm(a *domain.Alarm, action string)
}

// Manager owns alarm mutations.
type Manager struct {
	// repo persists alarms.
	repo repo.Repository
	// locks serializes mutations per alarm id.
	locks keylock.Locker
	// sla maps severity to its resolution budget.
	sla map[domain.Severity]time.Duration
	// publisher receives snapshots; nil disables publishing.
	publisher Publisher
	// escalationConfidence is the running confidence above which a linked
	// event escalates severity.
	escalationConfidence float64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher sets the snapshot publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithSLADurations overrides the SLA budget per severity.
func WithSLADurations(durations map[domain.Severity]time.Duration) Option {
	return func(m *Manager) {
		for severity, duration := range durations {
			m.sla[severity] = duration
		}
	}
}

// WithEscalationConfidence sets the running confidence above which linking an
// event escalates severity one step. Values outside (0, 1] are ignored.
func WithEscalationConfidence(threshold float64) Option {
	return func(m *Manager) {
		if threshold > 0 && threshold <= 1 {
			m.escalationConfidence = threshold
		}
	}
}

// NewManager creates a manager. The locker must not be shared with the
// correlator: a shared striped lock could map a correlation key and an alarm
// id onto the same stripe and deadlock.
func NewManager(repository repo.Repository, locks keylock.Locker, options ...Option) *Manager {
	m := &Manager{
		repo:  repository,
		locks: locks,
		sla:   domain.DefaultSLADurations(),

		escalationConfidence: domain.DefaultEscalationConfidence,
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// SLADuration returns the budget for a severity.
func (m *Manager) SLADuration(severity domain.Severity) time.Duration {
	return m.sla[severity]
}

// Create opens a NEW alarm for the event and links it. The SLA deadline is
// computed once here.
func (m *Manager) Create(ctx context.Context, e *event.Event, severity domain.Severity) (*domain.Alarm, error) {
	now := time.Now().UTC()

	a := &domain.Alarm{
		ID:             uuid.NewString(),
		CorrelationKey: e.CorrelationKey(),
		Tenant:         e.Tenant,
		Site:           e.Site,
		Area:           e.Area,
		Type:           e.Type,
		Severity:       severity,
		Confidence:     confidenceOf(e),
		State:          domain.StateNew,
		CreatedAt:      now,
		LinkedEventIDs: []string{e.ID},
	}

	if duration := m.sla[severity]; duration > 0 {
		deadline := now.Add(duration)
		a.SLADeadline = &deadline
	}

	a.Record(domain.ActionCreated, "", SystemActor, "created from event "+e.ID, now)

	if err := m.repo.Create(ctx, a); err != nil {
		logger.ErrorKV(ctx, "Failed to persist alarm", "alarm_id", a.ID, "error", err)

		return nil, fmt.Errorf("create alarm: %w", err)
	}

	alarmsCreated.WithLabelValues(string(severity)).Inc()
	logger.InfoKV(ctx, "Alarm created", "alarm_id", a.ID, "correlation_key", a.CorrelationKey, "severity", severity)
	m.publish(a, UpdateCreated)

	return a.Clone(), nil
}

// LinkEvent appends the event to an open alarm with the same correlation key.
// The state is not changed. Linking an already linked event is a no-op.
// The event confidence is averaged into the alarm; once the running value
// exceeds the escalation threshold severity rises one step.
func (m *Manager) LinkEvent(ctx context.Context, alarmID string, e *event.Event) (*domain.Alarm, error) {
	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		if !a.Open() {
			return "", ErrAlarmClosed
		}

		if a.CorrelationKey != e.CorrelationKey() {
			return "", errs.NewValidationError("alarm link",
				fmt.Sprintf("event key %s does not match alarm key %s", e.CorrelationKey(), a.CorrelationKey))
		}

		for _, id := range a.LinkedEventIDs {
			if id == e.ID {
				return "", nil
			}
		}

		a.LinkedEventIDs = append(a.LinkedEventIDs, e.ID)
		a.UpdatedAt = now

		confidence := a.BlendConfidence(confidenceOf(e))
		if confidence <= m.escalationConfidence {
			return UpdateUpdated, nil
		}

		update, err := changeSeverity(a, a.Severity.Escalate(), SystemActor,
			fmt.Sprintf("auto-escalated at confidence %.2f", confidence), now)
		if err != nil || update == "" {
			return UpdateUpdated, err
		}

		logger.InfoKV(ctx, "Alarm auto-escalated", "alarm_id", a.ID, "severity", a.Severity, "confidence", confidence)

		return update, nil
	})
}

// Transition moves the alarm forward along the lifecycle. Entering RESOLVED
// or CLOSED clears the SLA deadline.
func (m *Manager) Transition(ctx context.Context, alarmID string, to domain.State, actor, note string) (*domain.Alarm, error) {
	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		from := a.State
		if !from.CanTransition(to) {
			return "", invalidTransition(a, to)
		}

		a.State = to
		if to.StopsSLA() {
			a.SLADeadline = nil
		}

		a.Record(domain.ActionTransition, from, actor, note, now)
		alarmTransitions.WithLabelValues(string(to)).Inc()

		return UpdateTransitioned, nil
	})
}

// Reopen moves an ACTIVE or CONTAINED alarm back to TRIAGE.
func (m *Manager) Reopen(ctx context.Context, alarmID, actor, note string) (*domain.Alarm, error) {
	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		from := a.State
		if !from.CanReopen() {
			return "", invalidTransition(a, domain.StateTriage)
		}

		a.State = domain.StateTriage
		a.Record(domain.ActionReopen, from, actor, note, now)
		alarmTransitions.WithLabelValues(string(domain.StateTriage)).Inc()

		return UpdateTransitioned, nil
	})
}

// Acknowledge moves a NEW alarm to TRIAGE. Other states are left as they are.
func (m *Manager) Acknowledge(ctx context.Context, alarmID, actor string) (*domain.Alarm, error) {
	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		if a.State != domain.StateNew {
			return "", nil
		}

		a.State = domain.StateTriage
		a.Record(domain.ActionTransition, domain.StateNew, actor, "acknowledged", now)
		alarmTransitions.WithLabelValues(string(domain.StateTriage)).Inc()

		return UpdateTransitioned, nil
	})
}

// Assign sets the operator handling a non-terminal alarm. Assigning the same
// operator again only refreshes UpdatedAt.
func (m *Manager) Assign(ctx context.Context, alarmID, operator, actor string) (*domain.Alarm, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return nil, errs.NewValidationError("assignment", "operator is required")
	}

	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		if !a.Open() {
			return "", ErrAlarmClosed
		}

		if a.AssignedOperator == operator {
			a.UpdatedAt = now

			return UpdateUpdated, nil
		}

		a.AssignedOperator = operator
		a.Record(domain.ActionAssigned, a.State, actor, "assigned to "+operator, now)

		return UpdateAssigned, nil
	})
}

// AddNote appends an operator note without changing the state.
func (m *Manager) AddNote(ctx context.Context, alarmID, actor, note string) (*domain.Alarm, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, errs.NewValidationError("note", "note is required")
	}

	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		a.Record(domain.ActionNote, a.State, actor, note, now)

		return UpdateNote, nil
	})
}

// UpdateSeverity changes the severity of an open alarm. The SLA deadline is
// kept as computed at creation.
func (m *Manager) UpdateSeverity(
	ctx context.Context,
	alarmID string,
	severity domain.Severity,
	actor, note string,
) (*domain.Alarm, error) {
	if !severity.Valid() {
		return nil, errs.NewValidationError("severity", fmt.Sprintf("unknown severity %q", severity))
	}

	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		return changeSeverity(a, severity, actor, note, now)
	})
}

// ApplyRuleAction raises or escalates severity as a matched rule requests.
func (m *Manager) ApplyRuleAction(
	ctx context.Context,
	alarmID, ruleID string,
	action rule.CreateAlarmAction,
) (*domain.Alarm, error) {
	actor := "rule:" + ruleID

	return m.mutate(ctx, alarmID, func(a *domain.Alarm, now time.Time) (string, error) {
		if !a.Open() {
			return "", nil
		}

		target := a.Severity
		if action.Severity != "" {
			target = domain.Max(target, action.Severity)
		}

		if action.Escalate {
			target = target.Escalate()
		}

		update, err := changeSeverity(a, target, actor, "", now)
		if err != nil {
			return "", err
		}

		if action.Runbook != "" {
			a.Record(domain.ActionNote, a.State, actor, "runbook: "+action.Runbook, now)
			update = UpdateUpdated
		}

		return update, nil
	})
}

// Get returns a snapshot of the alarm.
func (m *Manager) Get(ctx context.Context, alarmID string) (*domain.Alarm, error) {
	return m.repo.Get(ctx, alarmID)
}

// List returns alarms matching the filter.
func (m *Manager) List(ctx context.Context, filter repo.Filter) ([]*domain.Alarm, error) {
	return m.repo.List(ctx, filter)
}

// History returns the audit trail of the alarm.
func (m *Manager) History(ctx context.Context, alarmID string) ([]domain.HistoryRecord, error) {
	a, err := m.repo.Get(ctx, alarmID)
	if err != nil {
		return nil, err
	}

	return a.History, nil
}

// mutate runs change under the per-alarm lock and persists the result when
// change reports an update action. An empty action means nothing changed.
func (m *Manager) mutate(
	ctx context.Context,
	alarmID string,
	change func(a *domain.Alarm, now time.Time) (string, error),
) (*domain.Alarm, error) {
	unlock, err := keylock.Acquire(ctx, m.locks, "alarm:"+alarmID)
	if err != nil {
		return nil, fmt.Errorf("lock alarm %s: %w", alarmID, err)
	}

	defer unlock()

	a, err := m.repo.Get(ctx, alarmID)
	if err != nil {
		return nil, err
	}

	action, err := change(a, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if action == "" {
		return a, nil
	}

	if err = m.repo.Update(ctx, a); err != nil {
		logger.ErrorKV(ctx, "Failed to persist alarm", "alarm_id", alarmID, "error", err)

		return nil, fmt.Errorf("update alarm %s: %w", alarmID, err)
	}

	m.publish(a, action)

	return a.Clone(), nil
}

func (m *Manager) publish(a *domain.Alarm, action string) {
	if m.publisher != nil {
		m.publisher.PublishAlarm(a.Clone(), action)
	}
}

func changeSeverity(a *domain.Alarm, severity domain.Severity, actor, note string, now time.Time) (string, error) {
	if !a.Open() {
		return "", ErrAlarmClosed
	}

	if a.Severity == severity {
		return "", nil
	}

	if note == "" {
		note = fmt.Sprintf("%s -> %s", a.Severity, severity)
	}

	a.Severity = severity
	a.Record(domain.ActionSeverity, a.State, actor, note, now)

	return UpdateSeverity, nil
}

// confidenceOf returns the event confidence or the neutral default.
func confidenceOf(e *event.Event) float64 {
	if confidence, ok := e.Confidence(); ok {
		return confidence
	}

	return domain.DefaultConfidence
}

func invalidTransition(a *domain.Alarm, to domain.State) error {
	return &errs.InvalidTransitionError{
		AlarmID: a.ID,
		From:    string(a.State),
		To:      string(to),
		Current: string(a.State),
	}
}
