package alarm

import (
	"slices"
	"time"
)

// Action names what produced a history record.
type Action string

const (
	// ActionCreated is recorded once when the alarm is created.
	ActionCreated Action = "created"
	// ActionTransition is a regular state change.
	ActionTransition Action = "transition"
	// ActionReopen moves ACTIVE or CONTAINED back to TRIAGE.
	ActionReopen Action = "reopen"
	// ActionAssigned records a new assignee.
	ActionAssigned Action = "assigned"
	// ActionNote records an operator note.
	ActionNote Action = "note"
	// ActionSeverity records a severity change.
	ActionSeverity Action = "severity_changed"
)

// Confidence bounds of the running detector confidence.
const (
	// DefaultConfidence is assumed for events that report none.
	DefaultConfidence = 0.5
	// DefaultEscalationConfidence is the running confidence above which
	// linking an event escalates severity one step.
	DefaultEscalationConfidence = 0.85
)

// HistoryRecord is an immutable entry of the alarm audit trail.
type HistoryRecord struct {
	// Action names the operation that produced the record.
	Action Action `json:"action"`
	// FromState is the state before the operation.
	FromState State `json:"from_state,omitempty"`
	// ToState is the state after the operation.
	ToState State `json:"to_state"`
	// Actor is the operator or component that performed the operation.
	Actor string `json:"actor,omitempty"`
	// Timestamp is when the operation happened.
	Timestamp time.Time `json:"timestamp"`
	// Note carries free-form context.
	Note string `json:"note,omitempty"`
}

// Alarm is the incident aggregate built from correlated events.
type Alarm struct {
	// ID uniquely identifies the alarm.
	ID string `json:"id"`
	// CorrelationKey is the tenant:site:area:type key the alarm groups events by.
	CorrelationKey string `json:"correlation_key"`
	// Tenant owns the alarm.
	Tenant string `json:"tenant"`
	// Site is where the incident happens.
	Site string `json:"site"`
	// Area is the zone inside the site.
	Area string `json:"area"`
	// Type is the detection type the alarm groups.
	Type string `json:"type"`
	// Severity ranks urgency.
	Severity Severity `json:"severity"`
	// Confidence is the running average of linked detector confidences.
	Confidence float64 `json:"confidence"`
	// State is the lifecycle position.
	State State `json:"state"`
	// CreatedAt is when the alarm was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the alarm was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// SLADeadline is when the alarm breaches its SLA; nil once tracking stopped.
	SLADeadline *time.Time `json:"sla_deadline,omitempty"`
	// SLABreached is set by the sweep; it never changes State.
	SLABreached bool `json:"sla_breached"`
	// AssignedOperator is the operator handling the alarm.
	AssignedOperator string `json:"assigned_operator,omitempty"`
	// LinkedEventIDs lists correlated events in link order.
	LinkedEventIDs []string `json:"linked_event_ids"`
	// History is the append-only audit trail.
	History []HistoryRecord `json:"history"`
}

// Open reports whether the alarm can still absorb events and transitions.
func (a *Alarm) Open() bool {
	return !a.State.Terminal()
}

// SLAOverdue reports whether the deadline passed at now while the alarm is open.
func (a *Alarm) SLAOverdue(now time.Time) bool {
	return a.Open() && a.SLADeadline != nil && now.After(*a.SLADeadline)
}

// BlendConfidence folds a linked event confidence into the running average
// and returns the new value.
func (a *Alarm) BlendConfidence(confidence float64) float64 {
	a.Confidence = (a.Confidence + confidence) / 2

	return a.Confidence
}

// Record appends a history entry.
func (a *Alarm) Record(action Action, from State, actor, note string, at time.Time) {
	a.History = append(a.History, HistoryRecord{
		Action:    action,
		FromState: from,
		ToState:   a.State,
		Actor:     actor,
		Timestamp: at,
		Note:      note,
	})
	a.UpdatedAt = at
}

// Clone returns a deep copy of the alarm.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}

	cloned := *a
	cloned.LinkedEventIDs = slices.Clone(a.LinkedEventIDs)
	cloned.History = slices.Clone(a.History)

	if a.SLADeadline != nil {
		deadline := *a.SLADeadline
		cloned.SLADeadline = &deadline
	}

	return &cloned
}
