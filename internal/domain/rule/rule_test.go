package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

const perimeterRule = `
rule: perimeter_breach
name: Perimeter breach
priority: 5
when:
  all:
    - type == intrusion
    - payload.confidence >= 0.8
    - {field: site, op: in, value: [hq, depot]}
    - any:
        - area: north
        - "alarm.event_count > 2"
then:
  - alarm.create_or_update: {severity: major, escalate: true}
  - notify:
      channels: ["email:ops@example.com", console]
      message: "{{type}} at {{site}}/{{area}}"
  - automation:
      - ptz.preset: {camera: cam-1, preset: 3}
      - radio.broadcast: "all units"
suppress:
  cooldown: 30s
  scope: correlation_key
`

func sampleSubject() Subject {
	return Subject{
		Event: &event.Event{
			ID:        "e1",
			Tenant:    "acme",
			Site:      "hq",
			Area:      "north",
			Type:      "intrusion",
			Timestamp: time.Unix(100, 0).UTC(),
			Payload: map[string]any{
				"confidence": 0.93,
				"labels":     []any{"person", "vehicle"},
				"camera":     map[string]any{"id": "cam-1", "zoom": 2},
			},
			Metadata: map[string]string{"site_name": "Headquarters"},
		},
		Alarm: &alarm.Alarm{
			ID:             "a1",
			Severity:       alarm.SeverityMinor,
			State:          alarm.StateNew,
			LinkedEventIDs: []string{"e1"},
		},
	}
}

// TestParse verifies a full document compiles into the expected rule.
func TestParse(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(perimeterRule), "perimeter.yaml")
	require.NoError(t, err)

	require.Equal(t, "perimeter_breach", r.ID)
	require.Equal(t, "Perimeter breach", r.Name)
	require.True(t, r.Enabled)
	require.Equal(t, 5, r.Priority)
	require.Equal(t, 30*time.Second, r.Cooldown)
	require.Equal(t, ScopeCorrelationKey, r.Scope)

	require.Len(t, r.When.All, 4)
	require.Equal(t, Leaf("type", OpEqual, "intrusion"), r.When.All[0])
	require.Equal(t, Leaf("payload.confidence", OpGreaterOrEqual, 0.8), r.When.All[1])
	require.Equal(t, Leaf("site", OpIn, []any{"hq", "depot"}), r.When.All[2])
	require.Len(t, r.When.All[3].Any, 2)

	require.Equal(t, []Action{
		CreateAlarmAction{Severity: alarm.SeverityMajor, Escalate: true},
		NotifyAction{
			Targets: []notification.Target{
				{Channel: notification.ChannelEmail, Address: "ops@example.com"},
				{Channel: notification.ChannelConsole},
			},
			Message: "{{type}} at {{site}}/{{area}}",
		},
		AutomateAction{Hook: "ptz", Command: "preset", Params: map[string]any{"camera": "cam-1", "preset": 3}},
		AutomateAction{Hook: "radio", Command: "broadcast", Params: map[string]any{"value": "all units"}},
	}, r.Actions)

	require.True(t, r.Matches(sampleSubject()))
}

// TestParseDefaults verifies defaults for optional fields and single-leaf trees.
func TestParseDefaults(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte("rule: loud\nwhen: \"type == glass_break\"\nthen:\n  - notify: {channels: console}\n"), "loud.yaml")
	require.NoError(t, err)

	require.Equal(t, "loud", r.Name)
	require.True(t, r.Enabled)
	require.Equal(t, DefaultPriority, r.Priority)
	require.Equal(t, ScopeRule, r.Scope)
	require.Zero(t, r.Cooldown)
	require.Equal(t, &Condition{All: []*Condition{Leaf("type", OpEqual, "glass_break")}}, r.When)
	require.Equal(t, defaultMessage, r.Actions[0].(NotifyAction).Message) //nolint:forcetypeassert // Checked by Parse.
}

// TestParseErrors verifies malformed documents fail with RuleParseError at load time.
func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		path string
	}{
		{name: "unknown top-level field", doc: "rule: r\nwhen: {type: x}\nthen: [{notify: {channels: console}}]\nextra: 1\n"},
		{name: "missing id", doc: "when: {type: x}\nthen: [{notify: {channels: console}}]\n", path: "rule"},
		{name: "missing when", doc: "rule: r\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "unknown operator", doc: "rule: r\nwhen: \"type ~= x\"\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "missing value", doc: "rule: r\nwhen: \"type ==\"\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "numeric operator on text", doc: "rule: r\nwhen: \"payload.score > high\"\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "in without list", doc: "rule: r\nwhen: {field: site, op: in, value: hq}\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "empty all", doc: "rule: r\nwhen: {all: []}\nthen: [{notify: {channels: console}}]\n", path: "when.all"},
		{name: "mixed group keys", doc: "rule: r\nwhen: {all: [{type: x}], site: hq}\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "nested bad leaf", doc: "rule: r\nwhen: {any: [{type: x}, 42]}\nthen: [{notify: {channels: console}}]\n", path: "when.any[1]"},
		{name: "unknown alarm field", doc: "rule: r\nwhen: \"alarm.colour == red\"\nthen: [{notify: {channels: console}}]\n", path: "when"},
		{name: "no actions", doc: "rule: r\nwhen: {type: x}\nthen: []\n", path: "then"},
		{name: "unknown action", doc: "rule: r\nwhen: {type: x}\nthen: [{explode: {}}]\n", path: "then[0]"},
		{name: "bad severity", doc: "rule: r\nwhen: {type: x}\nthen: [{alarm.create_or_update: {severity: apocalyptic}}]\n", path: "then[0].alarm.create_or_update.severity"},
		{name: "bad channel", doc: "rule: r\nwhen: {type: x}\nthen: [{notify: {channels: [\"fax:123\"]}}]\n", path: "then[0].notify.channels[0]"},
		{name: "bad cooldown", doc: "rule: r\nwhen: {type: x}\nthen: [{notify: {channels: console}}]\nsuppress: {cooldown: soon}\n", path: "suppress.cooldown"},
		{name: "bad scope", doc: "rule: r\nwhen: {type: x}\nthen: [{notify: {channels: console}}]\nsuppress: {scope: planet}\n", path: "suppress.scope"},
		{name: "empty stream", doc: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.doc), "test.yaml")

			var parseErr *errs.RuleParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, tt.path, parseErr.Path)
		})
	}
}

// TestEvaluate covers each operator, missing fields and group semantics.
func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{name: "equal string", cond: Leaf("type", OpEqual, "intrusion"), want: true},
		{name: "equal with event prefix", cond: Leaf("event.site", OpEqual, "hq"), want: true},
		{name: "equal numbers of different types", cond: Leaf("payload.camera.zoom", OpEqual, 2.0), want: true},
		{name: "not equal", cond: Leaf("area", OpNotEqual, "south"), want: true},
		{name: "greater", cond: Leaf("confidence", OpGreater, 0.9), want: true},
		{name: "greater boundary", cond: Leaf("payload.confidence", OpGreater, 0.93), want: false},
		{name: "greater or equal boundary", cond: Leaf("payload.confidence", OpGreaterOrEqual, 0.93), want: true},
		{name: "less", cond: Leaf("payload.camera.zoom", OpLess, 3), want: true},
		{name: "less or equal", cond: Leaf("payload.camera.zoom", OpLessOrEqual, 1), want: false},
		{name: "numeric on text field", cond: Leaf("site", OpGreater, 1), want: false},
		{name: "in", cond: Leaf("site", OpIn, []any{"depot", "hq"}), want: true},
		{name: "not in", cond: Leaf("site", OpNotIn, []any{"depot"}), want: true},
		{name: "contains substring", cond: Leaf("type", OpContains, "trus"), want: true},
		{name: "contains list member", cond: Leaf("payload.labels", OpContains, "vehicle"), want: true},
		{name: "contains missing member", cond: Leaf("payload.labels", OpContains, "dog"), want: false},
		{name: "metadata", cond: Leaf("metadata.site_name", OpEqual, "Headquarters"), want: true},
		{name: "missing field equal", cond: Leaf("payload.nope", OpEqual, "x"), want: false},
		{name: "missing field not equal", cond: Leaf("payload.nope", OpNotEqual, "x"), want: true},
		{name: "missing field not in", cond: Leaf("payload.nope", OpNotIn, []any{"x"}), want: true},
		{name: "alarm severity", cond: Leaf("alarm.severity", OpEqual, "minor"), want: true},
		{name: "alarm event count", cond: Leaf("alarm.event_count", OpGreaterOrEqual, 1), want: true},
		{name: "alarm unassigned", cond: Leaf("alarm.assigned_operator", OpEqual, "bob"), want: false},
		{name: "all", cond: &Condition{All: []*Condition{Leaf("site", OpEqual, "hq"), Leaf("area", OpEqual, "south")}}, want: false},
		{name: "any", cond: &Condition{Any: []*Condition{Leaf("site", OpEqual, "depot"), Leaf("area", OpEqual, "north")}}, want: true},
		{name: "empty any", cond: &Condition{Any: []*Condition{}}, want: false},
		{name: "empty all", cond: &Condition{All: []*Condition{}}, want: true},
	}

	subject := sampleSubject()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.cond.Evaluate(subject))
		})
	}

	require.False(t, Leaf("alarm.severity", OpEqual, "minor").Evaluate(Subject{Event: subject.Event}))
}

// TestDisabledRuleNeverMatches verifies Enabled gates evaluation.
func TestDisabledRuleNeverMatches(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(perimeterRule), "perimeter.yaml")
	require.NoError(t, err)

	r.Enabled = false
	require.False(t, r.Matches(sampleSubject()))
}

// TestToYAMLRoundtrip verifies exported documents compile back to the same rule.
func TestToYAMLRoundtrip(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(perimeterRule), "perimeter.yaml")
	require.NoError(t, err)

	data, err := ToYAML(r)
	require.NoError(t, err)

	again, err := Parse(data, "export.yaml")
	require.NoError(t, err)
	require.Equal(t, r, again)
}

// TestParseAll verifies multi-document files.
func TestParseAll(t *testing.T) {
	t.Parallel()

	rules, err := ParseAll([]byte(perimeterRule+"\n---\nrule: second\nwhen: {type: x}\nthen: [{notify: {channels: console}}]\n"), "multi.yaml")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	_, err = Parse([]byte(perimeterRule+"\n---\nrule: second\nwhen: {type: x}\nthen: [{notify: {channels: console}}]\n"), "multi.yaml")

	var parseErr *errs.RuleParseError
	require.ErrorAs(t, err, &parseErr)
}

// TestRender verifies placeholder substitution.
func TestRender(t *testing.T) {
	t.Parallel()

	got := Render("{{type}} at {{ site }} ({{metadata.site_name}}) sev={{alarm.severity}} x={{payload.missing}}", sampleSubject())
	require.Equal(t, "intrusion at hq (Headquarters) sev=minor x=", got)
}

// TestSort verifies priority-then-id ordering and cooldown keys.
func TestSort(t *testing.T) {
	t.Parallel()

	rules := []*Rule{
		{ID: "b", Priority: 10},
		{ID: "c", Priority: 1},
		{ID: "a", Priority: 10},
	}

	Sort(rules)
	require.Equal(t, "c", rules[0].ID)
	require.Equal(t, "a", rules[1].ID)
	require.Equal(t, "b", rules[2].ID)

	require.Equal(t, "a", rules[1].CooldownKey("acme:hq:north:x"))

	rules[1].Scope = ScopeCorrelationKey
	require.Equal(t, "a|acme:hq:north:x", rules[1].CooldownKey("acme:hq:north:x"))
}
