package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/domain/notification"
	"github.com/oshokin/overwatch/internal/domain/rule"
)

type fakeAlarms struct {
	mu      sync.Mutex
	applied []rule.CreateAlarmAction
}

func (f *fakeAlarms) ApplyRuleAction(
	_ context.Context,
	alarmID, _ string,
	action rule.CreateAlarmAction,
) (*alarm.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, action)

	return &alarm.Alarm{ID: alarmID, Severity: action.Severity, State: alarm.StateNew}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	attempts []*notification.Attempt
}

func (f *fakeNotifier) Enqueue(_ context.Context, attempt *notification.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts = append(f.attempts, attempt)

	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.attempts)
}

type fakeHooks struct {
	invoked []string
}

func (f *fakeHooks) Invoke(_ context.Context, action rule.AutomateAction, _ rule.Subject) error {
	f.invoked = append(f.invoked, action.Name())

	return nil
}

func mustParse(t *testing.T, doc string) *rule.Rule {
	t.Helper()

	r, err := rule.Parse([]byte(doc), "test")
	require.NoError(t, err)

	return r
}

func subjectFor(area string) rule.Subject {
	return rule.Subject{
		Event: &event.Event{
			ID:      "e-1",
			Tenant:  "acme",
			Site:    "hq",
			Area:    area,
			Type:    "intrusion",
			Payload: map[string]any{"confidence": 0.93},
		},
		Alarm: &alarm.Alarm{
			ID:       "a-1",
			Severity: alarm.SeverityMinor,
			State:    alarm.StateNew,
		},
	}
}

const intrusionRule = `
rule: intrusion
name: Intrusion
priority: 5
when:
  all:
    - type == intrusion
    - payload.confidence >= 0.9
then:
  - alarm.create_or_update: {severity: major}
  - notify:
      channels: ["email:ops@example.com", console]
      message: "{{ type }} at {{ site }}/{{ area }} ({{ alarm.severity }})"
  - automation:
      - ptz.preset: {camera: cam-1, preset: 3}
`

func TestEvaluateDispatchesActionsInOrder(t *testing.T) {
	t.Parallel()

	alarms, notifier, hooks := new(fakeAlarms), new(fakeNotifier), new(fakeHooks)
	engine := NewEngine(alarms, notifier, hooks)
	require.NoError(t, engine.Add(mustParse(t, intrusionRule)))

	firings := engine.Evaluate(context.Background(), subjectFor("gate"))
	require.Len(t, firings, 1)
	require.NoError(t, firings[0].Err)
	require.False(t, firings[0].Suppressed)

	require.Equal(t, []rule.CreateAlarmAction{{Severity: alarm.SeverityMajor}}, alarms.applied)
	require.Len(t, notifier.attempts, 2)

	email := notifier.attempts[0]
	require.Equal(t, notification.ChannelEmail, email.Channel)
	require.Equal(t, "ops@example.com", email.Target)
	require.Equal(t, "a-1", email.AlarmID)
	require.Equal(t, "intrusion", email.RuleID)
	require.Equal(t, notification.StatusPending, email.Status)
	require.Equal(t, "intrusion at hq/gate (major)", email.Payload.Message)
	require.Equal(t, "[major] Intrusion", email.Payload.Subject)
	require.Equal(t, "acme:hq:gate:intrusion", email.Payload.Fields["correlation_key"])
	require.NotEqual(t, email.ID, notifier.attempts[1].ID)

	require.Equal(t, []string{"ptz.preset"}, hooks.invoked)
}

func TestEvaluateOrderAndDisabled(t *testing.T) {
	t.Parallel()

	hooks := new(fakeHooks)
	engine := NewEngine(nil, nil, hooks)

	require.NoError(t, engine.Add(mustParse(t, `
rule: b-late
priority: 20
when: {type: intrusion}
then:
  - automation: [{radio.broadcast: {}}]
`)))
	require.NoError(t, engine.Add(mustParse(t, `
rule: a-early
priority: 1
when: {type: intrusion}
then:
  - automation: [{signage.show: {}}]
`)))
	require.NoError(t, engine.Add(mustParse(t, `
rule: c-off
enabled: false
when: {type: intrusion}
then:
  - automation: [{ptz.preset: {}}]
`)))

	firings := engine.Evaluate(context.Background(), subjectFor("gate"))
	require.Len(t, firings, 2)
	require.Equal(t, "a-early", firings[0].RuleID)
	require.Equal(t, "b-late", firings[1].RuleID)
	require.Equal(t, []string{"signage.show", "radio.broadcast"}, hooks.invoked)

	_, err := engine.SetEnabled("c-off", true)
	require.NoError(t, err)

	firings = engine.Evaluate(context.Background(), subjectFor("gate"))
	require.Len(t, firings, 3)
}

func TestEvaluateReportsActionFailures(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil, nil, nil)
	require.NoError(t, engine.Add(mustParse(t, intrusionRule)))

	firings := engine.Evaluate(context.Background(), subjectFor("gate"))
	require.Len(t, firings, 1)
	require.ErrorContains(t, firings[0].Err, "action 0")
	require.ErrorContains(t, firings[0].Err, "action 2")
}

func TestCooldownBoundary(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		notifier := new(fakeNotifier)
		engine := NewEngine(nil, notifier, nil)
		require.NoError(t, engine.Add(mustParse(t, `
rule: loiter
when: {type: intrusion}
then:
  - notify: {channels: [console]}
suppress:
  cooldown: 30s
`)))

		ctx := context.Background()

		require.False(t, engine.Evaluate(ctx, subjectFor("gate"))[0].Suppressed)

		time.Sleep(29 * time.Second)

		firings := engine.Evaluate(ctx, subjectFor("dock"))
		require.True(t, firings[0].Suppressed, "rule scope covers every key")

		time.Sleep(time.Second)

		require.False(t, engine.Evaluate(ctx, subjectFor("gate"))[0].Suppressed)
		require.Equal(t, 2, notifier.count())
		require.Equal(t, "Alert triggered", notifier.attempts[0].Payload.Message)
	})
}

func TestCooldownPerCorrelationKey(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		notifier := new(fakeNotifier)
		engine := NewEngine(nil, notifier, nil)
		require.NoError(t, engine.Add(mustParse(t, `
rule: loiter
when: {type: intrusion}
then:
  - notify: {channels: [console]}
suppress:
  cooldown: 60
  scope: correlation_key
`)))

		ctx := context.Background()

		require.False(t, engine.Evaluate(ctx, subjectFor("gate"))[0].Suppressed)
		require.False(t, engine.Evaluate(ctx, subjectFor("dock"))[0].Suppressed)
		require.True(t, engine.Evaluate(ctx, subjectFor("gate"))[0].Suppressed)

		// Replacing a rule resets its cooldowns.
		require.NoError(t, engine.Replace(mustParse(t, `
rule: loiter
when: {type: intrusion}
then:
  - notify: {channels: [console]}
suppress:
  cooldown: 60
  scope: correlation_key
`)))
		require.False(t, engine.Evaluate(ctx, subjectFor("gate"))[0].Suppressed)
		require.Equal(t, 3, notifier.count())
	})
}

func TestCRUD(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil, nil, nil)
	r := mustParse(t, intrusionRule)

	require.NoError(t, engine.Add(r))
	require.ErrorIs(t, engine.Add(r), ErrRuleExists)

	got, err := engine.Get("intrusion")
	require.NoError(t, err)
	require.Equal(t, "Intrusion", got.Name)

	got.Name = "changed"

	again, err := engine.Get("intrusion")
	require.NoError(t, err)
	require.Equal(t, "Intrusion", again.Name)

	disabled, err := engine.SetEnabled("intrusion", false)
	require.NoError(t, err)
	require.False(t, disabled.Enabled)

	require.NoError(t, engine.Delete("intrusion"))
	require.Empty(t, engine.List())

	var notFound *errs.NotFoundError

	require.ErrorAs(t, engine.Delete("intrusion"), &notFound)
	require.ErrorAs(t, engine.Replace(r), &notFound)

	_, err = engine.SetEnabled("intrusion", true)
	require.ErrorAs(t, err, &notFound)
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nested := filepath.Join(dir, "site")
	require.NoError(t, os.Mkdir(nested, 0o700))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(intrusionRule+`
---
rule: second
when: {type: tamper}
then:
  - notify: {channels: [console]}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.yml"), []byte(`
rule: second
priority: 1
when: {type: tamper}
then:
  - notify: {channels: [pager]}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# rules"), 0o600))

	engine := NewEngine(nil, nil, nil)

	loaded, err := engine.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 3, loaded)

	list := engine.List()
	require.Len(t, list, 2)
	require.Equal(t, "second", list[0].ID)
	require.Equal(t, 1, list[0].Priority)

	loaded, err = engine.LoadDir(context.Background(), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Zero(t, loaded)
}

func TestLoadDirRejectsMalformedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
rule: broken
when:
  any:
    - payload.confidence >= high
then:
  - notify: {channels: [console]}
`), 0o600))

	engine := NewEngine(nil, nil, nil)

	_, err := engine.LoadDir(context.Background(), dir)

	var parseErr *errs.RuleParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "broken", parseErr.Rule)
	require.Equal(t, "when.any[0]", parseErr.Path)
	require.Empty(t, engine.List())
}
