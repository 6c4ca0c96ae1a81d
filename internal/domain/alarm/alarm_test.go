package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCanTransitionGrid checks every ordered pair of states against the lifecycle rules.
func TestCanTransitionGrid(t *testing.T) {
	t.Parallel()

	allowed := map[State][]State{
		StateNew:       {StateTriage, StateActive, StateContained, StateResolved, StateClosed},
		StateTriage:    {StateActive, StateContained, StateResolved, StateClosed},
		StateActive:    {StateContained, StateResolved, StateClosed},
		StateContained: {StateResolved, StateClosed},
		StateResolved:  {StateClosed},
		StateClosed:    nil,
	}

	for _, from := range States() {
		for _, to := range States() {
			want := false

			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}

			require.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}

		require.Equal(t, allowed[from], from.AllowedTransitions())
	}

	require.False(t, StateNew.CanTransition(State("BOGUS")))
}

// TestCanReopen verifies only ACTIVE and CONTAINED can be reopened.
func TestCanReopen(t *testing.T) {
	t.Parallel()

	for _, state := range States() {
		want := state == StateActive || state == StateContained
		require.Equal(t, want, state.CanReopen(), state)
	}
}

// TestParseStateAndSeverity verifies case-insensitive parsing.
func TestParseStateAndSeverity(t *testing.T) {
	t.Parallel()

	state, ok := ParseState(" triage ")
	require.True(t, ok)
	require.Equal(t, StateTriage, state)

	_, ok = ParseState("done")
	require.False(t, ok)

	severity, ok := ParseSeverity("MAJOR")
	require.True(t, ok)
	require.Equal(t, SeverityMajor, severity)

	_, ok = ParseSeverity("urgent")
	require.False(t, ok)
}

// TestSeverityEscalate verifies the escalation ladder saturates at critical.
func TestSeverityEscalate(t *testing.T) {
	t.Parallel()

	require.Equal(t, SeverityMinor, SeverityInfo.Escalate())
	require.Equal(t, SeverityMajor, SeverityMinor.Escalate())
	require.Equal(t, SeverityCritical, SeverityMajor.Escalate())
	require.Equal(t, SeverityCritical, SeverityCritical.Escalate())
	require.Equal(t, SeverityMajor, Max(SeverityMajor, SeverityMinor))
	require.Equal(t, SeverityCritical, Max(SeverityMinor, SeverityCritical))
}

// TestSLAOverdue verifies overdue detection stops once the deadline is cleared.
func TestSLAOverdue(t *testing.T) {
	t.Parallel()

	created := time.Unix(100, 0).UTC()
	deadline := created.Add(DefaultSLADurations()[SeverityCritical])

	a := &Alarm{
		State:       StateActive,
		CreatedAt:   created,
		SLADeadline: &deadline,
	}

	require.False(t, a.SLAOverdue(deadline))
	require.True(t, a.SLAOverdue(deadline.Add(time.Second)))

	a.SLADeadline = nil
	require.False(t, a.SLAOverdue(deadline.Add(time.Hour)))
}

// TestAlarmClone verifies that Clone returns a deep copy and handles nil safely.
func TestAlarmClone(t *testing.T) {
	t.Parallel()
	require.Nil(t, (*Alarm)(nil).Clone())

	ts := time.Now().UTC().Truncate(time.Second)
	deadline := ts.Add(time.Hour)

	a := &Alarm{
		ID:             "a1",
		State:          StateNew,
		CreatedAt:      ts,
		SLADeadline:    &deadline,
		LinkedEventIDs: []string{"e1"},
	}
	a.Record(ActionCreated, "", "correlator", "", ts)

	c := a.Clone()
	require.Equal(t, a, c)
	require.NotSame(t, a.SLADeadline, c.SLADeadline)

	c.LinkedEventIDs[0] = "changed"
	c.History[0].Note = "changed"

	require.Equal(t, "e1", a.LinkedEventIDs[0])
	require.Empty(t, a.History[0].Note)
}
