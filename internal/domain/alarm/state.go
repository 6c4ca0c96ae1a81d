package alarm

import "strings"

// State is a position in the alarm lifecycle.
type State string

const (
	// StateNew is the sole initial state.
	StateNew State = "NEW"
	// StateTriage means an operator is assessing the alarm.
	StateTriage State = "TRIAGE"
	// StateActive means the incident is being handled.
	StateActive State = "ACTIVE"
	// StateContained means the incident no longer spreads.
	StateContained State = "CONTAINED"
	// StateResolved means the incident is over; SLA tracking stops here.
	StateResolved State = "RESOLVED"
	// StateClosed is the sole terminal state.
	StateClosed State = "CLOSED"
)

// lifecycle lists states in forward order.
//
//nolint:gochecknoglobals // Read-only lookup table.
var lifecycle = []State{StateNew, StateTriage, StateActive, StateContained, StateResolved, StateClosed}

// States returns every state in lifecycle order.
func States() []State {
	return append([]State(nil), lifecycle...)
}

// ParseState converts user input to a State.
func ParseState(s string) (State, bool) {
	state := State(strings.ToUpper(strings.TrimSpace(s)))

	return state, state.Valid()
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed
}

// StopsSLA reports whether entering s clears the SLA deadline.
func (s State) StopsSLA() bool {
	return s == StateResolved || s == StateClosed
}

// CanTransition reports whether a regular transition from s to target is allowed.
// Transitions only move forward along the lifecycle; CLOSED is reachable from
// every non-terminal state because it is the last one.
func (s State) CanTransition(target State) bool {
	if s.Terminal() || !target.Valid() {
		return false
	}

	return target.rank() > s.rank()
}

// CanReopen reports whether an explicit reopen may move s back to TRIAGE.
func (s State) CanReopen() bool {
	return s == StateActive || s == StateContained
}

// AllowedTransitions returns the regular targets reachable from s.
func (s State) AllowedTransitions() []State {
	var allowed []State

	for _, target := range lifecycle {
		if s.CanTransition(target) {
			allowed = append(allowed, target)
		}
	}

	return allowed
}

func (s State) rank() int {
	for i, state := range lifecycle {
		if state == s {
			return i
		}
	}

	return -1
}
