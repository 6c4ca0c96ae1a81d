package rule

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

// defaultMessage is used by notify actions without a message.
const defaultMessage = "Alert triggered"

// Document is the serialized form of a rule, shared by YAML files and the REST API.
type Document struct {
	// Rule is the rule identifier.
	Rule string `json:"rule" yaml:"rule"`
	// Name is a human-readable title; defaults to the identifier.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Priority defaults to DefaultPriority.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// When is the condition tree.
	When any `json:"when" yaml:"when"`
	// Then is the ordered action list; each entry has exactly one key.
	Then []map[string]any `json:"then" yaml:"then"`
	// Suppress configures the cooldown.
	Suppress *Suppress `json:"suppress,omitempty" yaml:"suppress,omitempty"`
	// Metadata carries free-form labels.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Suppress is the cooldown block of a rule document.
type Suppress struct {
	// Cooldown is a duration such as "30s"; bare numbers are seconds.
	Cooldown string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	// Scope is "rule" or "correlation_key".
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Parse compiles a single YAML (or JSON) rule document. Unknown top-level
// fields and malformed trees fail with a RuleParseError.
func Parse(data []byte, source string) (*Rule, error) {
	rules, err := ParseAll(data, source)
	if err != nil {
		return nil, err
	}

	if len(rules) != 1 {
		return nil, &errs.RuleParseError{
			Rule:   source,
			Reason: fmt.Sprintf("expected exactly one rule document, got %d", len(rules)),
		}
	}

	return rules[0], nil
}

// ParseAll compiles every document of a multi-document YAML stream.
func ParseAll(data []byte, source string) ([]*Rule, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var rules []*Rule

	for {
		var doc Document

		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, &errs.RuleParseError{
				Rule:   source,
				Reason: err.Error(),
			}
		}

		compiled, err := Compile(doc)
		if err != nil {
			return nil, err
		}

		rules = append(rules, compiled)
	}

	return rules, nil
}

// Compile validates a decoded document and builds the rule.
func Compile(doc Document) (*Rule, error) {
	p := parser{rule: strings.TrimSpace(doc.Rule)}
	if p.rule == "" {
		return nil, p.fail("rule", "rule id is required")
	}

	if doc.When == nil {
		return nil, p.fail("when", "condition tree is required")
	}

	when, err := p.condition(doc.When, "when")
	if err != nil {
		return nil, err
	}

	if when.IsLeaf() {
		when = &Condition{All: []*Condition{when}}
	}

	actions, err := p.actions(doc.Then)
	if err != nil {
		return nil, err
	}

	cooldown, scope, err := p.suppress(doc.Suppress)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		ID:       p.rule,
		Name:     strings.TrimSpace(doc.Name),
		Enabled:  true,
		Priority: DefaultPriority,
		When:     when,
		Actions:  actions,
		Cooldown: cooldown,
		Scope:    scope,
		Metadata: doc.Metadata,
	}

	if r.Name == "" {
		r.Name = r.ID
	}

	if doc.Enabled != nil {
		r.Enabled = *doc.Enabled
	}

	if doc.Priority != nil {
		r.Priority = *doc.Priority
	}

	return r, nil
}

type parser struct {
	rule string
}

func (p parser) fail(path, format string, args ...any) error {
	return &errs.RuleParseError{
		Rule:   p.rule,
		Path:   path,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (p parser) condition(node any, path string) (*Condition, error) {
	switch v := node.(type) {
	case string:
		return p.expression(v, path)
	case []any:
		children, err := p.children(v, path)
		if err != nil {
			return nil, err
		}

		return &Condition{All: children}, nil
	case map[string]any:
		return p.mapping(v, path)
	default:
		return nil, p.fail(path, "unsupported condition of type %T", node)
	}
}

func (p parser) mapping(m map[string]any, path string) (*Condition, error) {
	if len(m) == 0 {
		return nil, p.fail(path, "empty condition")
	}

	for _, group := range []string{"all", "any"} {
		raw, ok := m[group]
		if !ok {
			continue
		}

		if len(m) != 1 {
			return nil, p.fail(path, "%q must be the only key of its mapping", group)
		}

		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return nil, p.fail(path+"."+group, "expected a non-empty list")
		}

		children, err := p.children(list, path+"."+group)
		if err != nil {
			return nil, err
		}

		if group == "all" {
			return &Condition{All: children}, nil
		}

		return &Condition{Any: children}, nil
	}

	if field, ok := m["field"]; ok {
		return p.explicitLeaf(m, field, path)
	}

	// Shorthand: {field: value, ...} means equality on every key.
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	leaves := make([]*Condition, 0, len(keys))

	for _, key := range keys {
		leaf, err := p.leaf(key, OpEqual, m[key], path+"."+key)
		if err != nil {
			return nil, err
		}

		leaves = append(leaves, leaf)
	}

	if len(leaves) == 1 {
		return leaves[0], nil
	}

	return &Condition{All: leaves}, nil
}

func (p parser) explicitLeaf(m map[string]any, rawField any, path string) (*Condition, error) {
	for key := range m {
		switch key {
		case "field", "op", "operator", "value":
		default:
			return nil, p.fail(path, "unknown condition key %q", key)
		}
	}

	field, ok := rawField.(string)
	if !ok {
		return nil, p.fail(path+".field", "expected a string")
	}

	rawOp, ok := m["op"]
	if !ok {
		rawOp, ok = m["operator"]
	}

	op := OpEqual

	if ok {
		text, isString := rawOp.(string)
		if !isString {
			return nil, p.fail(path+".op", "expected a string")
		}

		if op, ok = ParseOperator(text); !ok {
			return nil, p.fail(path+".op", "unknown operator %q", text)
		}
	}

	return p.leaf(field, op, m["value"], path)
}

func (p parser) children(list []any, path string) ([]*Condition, error) {
	children := make([]*Condition, 0, len(list))

	for i, item := range list {
		child, err := p.condition(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}

		children = append(children, child)
	}

	return children, nil
}

// symbolicOperators are tried longest first.
//
//nolint:gochecknoglobals // Read-only lookup table.
var symbolicOperators = []string{"==", "!=", ">=", "<=", ">", "<", "="}

// expression parses "field op value"; value is decoded as YAML.
func (p parser) expression(expr, path string) (*Condition, error) {
	expr = strings.TrimSpace(expr)

	end := strings.IndexFunc(expr, func(r rune) bool {
		return !(r == '_' || r == '.' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end <= 0 {
		return nil, p.fail(path, "expected \"field op value\", got %q", expr)
	}

	field, rest := expr[:end], strings.TrimSpace(expr[end:])

	var (
		opText string
		raw    string
	)

	for _, candidate := range symbolicOperators {
		if after, ok := strings.CutPrefix(rest, candidate); ok {
			opText, raw = candidate, after

			break
		}
	}

	if opText == "" {
		word, after, _ := strings.Cut(rest, " ")
		opText, raw = word, after
	}

	op, ok := ParseOperator(opText)
	if !ok {
		return nil, p.fail(path, "unknown operator in %q", expr)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, p.fail(path, "missing value in %q", expr)
	}

	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return nil, p.fail(path, "decode value %q: %v", raw, err)
	}

	return p.leaf(field, op, value, path)
}

func (p parser) leaf(field string, op Operator, value any, path string) (*Condition, error) {
	field = strings.TrimSpace(field)
	if field == "" || strings.ContainsAny(field, " \t") {
		return nil, p.fail(path, "invalid field %q", field)
	}

	if rest, ok := strings.CutPrefix(strings.TrimPrefix(field, "event."), "alarm."); ok {
		if _, known := alarmFields[rest]; !known {
			return nil, p.fail(path, "unknown alarm field %q", rest)
		}
	}

	switch {
	case op.numeric():
		if _, ok := toFloat(value, true); !ok {
			return nil, p.fail(path, "operator %s needs a number, got %v", op, value)
		}
	case op == OpIn || op == OpNotIn:
		if _, ok := value.([]any); !ok {
			return nil, p.fail(path, "operator %s needs a list, got %v", op, value)
		}
	case op == OpContains:
		if value == nil {
			return nil, p.fail(path, "operator contains needs a value")
		}
	}

	return Leaf(field, op, value), nil
}

func (p parser) actions(then []map[string]any) ([]Action, error) {
	var actions []Action

	for i, entry := range then {
		path := fmt.Sprintf("then[%d]", i)

		if len(entry) != 1 {
			return nil, p.fail(path, "each action must have exactly one key, got %d", len(entry))
		}

		for kind, config := range entry {
			switch ActionKind(kind) {
			case KindAlarm:
				action, err := p.alarmAction(config, path+"."+kind)
				if err != nil {
					return nil, err
				}

				actions = append(actions, action)
			case KindNotify:
				action, err := p.notifyAction(config, path+"."+kind)
				if err != nil {
					return nil, err
				}

				actions = append(actions, action)
			case KindAutomation:
				automations, err := p.automationActions(config, path+"."+kind)
				if err != nil {
					return nil, err
				}

				actions = append(actions, automations...)
			default:
				// Correlation is key-driven; legacy "correlate.by" entries are accepted and ignored.
				if kind == "correlate.by" {
					continue
				}

				return nil, p.fail(path, "unknown action %q", kind)
			}
		}
	}

	if len(actions) == 0 {
		return nil, p.fail("then", "at least one action is required")
	}

	return actions, nil
}

func (p parser) config(raw any, path string, allowed ...string) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, p.fail(path, "expected a mapping, got %T", raw)
	}

	for key := range m {
		if !slices.Contains(allowed, key) {
			return nil, p.fail(path, "unknown key %q", key)
		}
	}

	return m, nil
}

func (p parser) alarmAction(raw any, path string) (Action, error) {
	config, err := p.config(raw, path, "severity", "escalate", "runbook")
	if err != nil {
		return nil, err
	}

	var action CreateAlarmAction

	if value, ok := config["severity"]; ok {
		text, _ := value.(string)

		severity, valid := alarm.ParseSeverity(text)
		if !valid {
			return nil, p.fail(path+".severity", "unknown severity %v", value)
		}

		action.Severity = severity
	}

	if value, ok := config["escalate"]; ok {
		if action.Escalate, ok = value.(bool); !ok {
			return nil, p.fail(path+".escalate", "expected a boolean")
		}
	}

	if value, ok := config["runbook"]; ok {
		action.Runbook = stringify(value)
	}

	return action, nil
}

func (p parser) notifyAction(raw any, path string) (Action, error) {
	config, err := p.config(raw, path, "channels", "message")
	if err != nil {
		return nil, err
	}

	var channels []any

	switch v := config["channels"].(type) {
	case []any:
		channels = v
	case string:
		channels = []any{v}
	}

	if len(channels) == 0 {
		return nil, p.fail(path+".channels", "at least one channel is required")
	}

	action := NotifyAction{Message: defaultMessage}

	if message, ok := config["message"]; ok {
		action.Message = stringify(message)
	}

	for i, channel := range channels {
		text, ok := channel.(string)
		if !ok {
			return nil, p.fail(fmt.Sprintf("%s.channels[%d]", path, i), "expected a string")
		}

		target, err := notification.ParseTarget(text)
		if err != nil {
			return nil, p.fail(fmt.Sprintf("%s.channels[%d]", path, i), "%v", err)
		}

		action.Targets = append(action.Targets, target)
	}

	return action, nil
}

func (p parser) automationActions(raw any, path string) ([]Action, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, p.fail(path, "expected a non-empty list of hooks")
	}

	actions := make([]Action, 0, len(list))

	for i, item := range list {
		itemPath := fmt.Sprintf("%s[%d]", path, i)

		entry, ok := item.(map[string]any)
		if !ok || len(entry) != 1 {
			return nil, p.fail(itemPath, "expected a single-key mapping such as {ptz.preset: {...}}")
		}

		for name, params := range entry {
			hook, command, _ := strings.Cut(name, ".")
			if hook == "" {
				return nil, p.fail(itemPath, "hook name is required")
			}

			action := AutomateAction{
				Hook:    hook,
				Command: command,
			}

			switch v := params.(type) {
			case nil:
			case map[string]any:
				action.Params = v
			default:
				action.Params = map[string]any{"value": v}
			}

			actions = append(actions, action)
		}
	}

	return actions, nil
}

func (p parser) suppress(s *Suppress) (time.Duration, Scope, error) {
	if s == nil {
		return 0, ScopeRule, nil
	}

	scope := ScopeRule

	switch Scope(strings.TrimSpace(s.Scope)) {
	case "", ScopeRule:
	case ScopeCorrelationKey:
		scope = ScopeCorrelationKey
	default:
		return 0, "", p.fail("suppress.scope", "unknown scope %q", s.Scope)
	}

	raw := strings.TrimSpace(s.Cooldown)
	if raw == "" {
		return 0, scope, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		raw = strconv.Itoa(seconds) + "s"
	}

	cooldown, err := time.ParseDuration(raw)
	if err != nil {
		return 0, "", p.fail("suppress.cooldown", "%v", err)
	}

	if cooldown < 0 {
		return 0, "", p.fail("suppress.cooldown", "must not be negative")
	}

	return cooldown, scope, nil
}

// Document converts the rule back to its serialized form.
func (r *Rule) Document() Document {
	enabled := r.Enabled
	priority := r.Priority

	doc := Document{
		Rule:     r.ID,
		Name:     r.Name,
		Enabled:  &enabled,
		Priority: &priority,
		When:     conditionNode(r.When),
		Metadata: r.Metadata,
	}

	if doc.Name == r.ID {
		doc.Name = ""
	}

	for _, action := range r.Actions {
		doc.Then = append(doc.Then, actionNode(action))
	}

	if r.Cooldown > 0 || r.Scope == ScopeCorrelationKey {
		doc.Suppress = &Suppress{Scope: string(r.Scope)}

		if r.Cooldown > 0 {
			doc.Suppress.Cooldown = r.Cooldown.String()
		}
	}

	return doc
}

// ToYAML exports the rule as a DSL document.
func ToYAML(r *Rule) ([]byte, error) {
	data, err := yaml.Marshal(r.Document())
	if err != nil {
		return nil, fmt.Errorf("marshal rule %s: %w", r.ID, err)
	}

	return data, nil
}

func conditionNode(c *Condition) any {
	if c == nil {
		return nil
	}

	group := func(children []*Condition) []any {
		nodes := make([]any, 0, len(children))
		for _, child := range children {
			nodes = append(nodes, conditionNode(child))
		}

		return nodes
	}

	switch {
	case c.All != nil:
		return map[string]any{"all": group(c.All)}
	case c.Any != nil:
		return map[string]any{"any": group(c.Any)}
	default:
		return map[string]any{
			"field": c.Field,
			"op":    string(c.Op),
			"value": c.Value,
		}
	}
}

func actionNode(action Action) map[string]any {
	switch a := action.(type) {
	case CreateAlarmAction:
		config := map[string]any{}

		if a.Severity != "" {
			config["severity"] = string(a.Severity)
		}

		if a.Escalate {
			config["escalate"] = true
		}

		if a.Runbook != "" {
			config["runbook"] = a.Runbook
		}

		return map[string]any{string(KindAlarm): config}
	case NotifyAction:
		channels := make([]any, 0, len(a.Targets))
		for _, target := range a.Targets {
			channels = append(channels, target.String())
		}

		return map[string]any{string(KindNotify): map[string]any{
			"channels": channels,
			"message":  a.Message,
		}}
	case AutomateAction:
		return map[string]any{string(KindAutomation): []any{
			map[string]any{a.Name(): a.Params},
		}}
	default:
		return map[string]any{}
	}
}
