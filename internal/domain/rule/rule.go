package rule

import (
	"maps"
	"slices"
	"time"
)

// DefaultPriority is used when a document omits priority.
const DefaultPriority = 10

// Scope selects what a cooldown is tracked for.
type Scope string

const (
	// ScopeRule shares one cooldown across all matches of the rule.
	ScopeRule Scope = "rule"
	// ScopeCorrelationKey tracks a cooldown per correlation key.
	ScopeCorrelationKey Scope = "correlation_key"
)

// Rule is a compiled automation rule.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string
	// Name is a human-readable title.
	Name string
	// Enabled rules are evaluated; disabled ones never are.
	Enabled bool
	// Priority orders evaluation, lowest first.
	Priority int
	// When is the trigger condition tree.
	When *Condition
	// Actions run in order when the rule matches outside its cooldown.
	Actions []Action
	// Cooldown suppresses actions for this long after the rule fired.
	Cooldown time.Duration
	// Scope selects rule-global or per-correlation-key cooldown.
	Scope Scope
	// Metadata carries free-form labels.
	Metadata map[string]string
}

// Matches reports whether the condition tree holds for the subject.
func (r *Rule) Matches(s Subject) bool {
	return r.Enabled && r.When.Evaluate(s)
}

// CooldownKey returns the key cooldown bookkeeping is tracked under.
func (r *Rule) CooldownKey(correlationKey string) string {
	if r.Scope == ScopeCorrelationKey {
		return r.ID + "|" + correlationKey
	}

	return r.ID
}

// Clone returns a copy that does not share slices or maps with the receiver.
// Conditions and actions are immutable once compiled and are shared.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.Actions = slices.Clone(r.Actions)
	cloned.Metadata = maps.Clone(r.Metadata)

	return &cloned
}

// Sort orders rules by priority, then id.
func Sort(rules []*Rule) {
	slices.SortFunc(rules, func(a, b *Rule) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
