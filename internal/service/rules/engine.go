package rules

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
)

// ErrRuleExists is returned when a rule id is already taken.
var ErrRuleExists = errors.New("rule already exists")

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	ruleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "rule_matches_total",
		Help:      "Rule matches by outcome (fired or suppressed).",
	}, []string{"rule", "outcome"})
	actionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "rule_action_failures_total",
		Help:      "Rule actions that returned an error.",
	}, []string{"kind"})
)

// AlarmUpdater applies alarm actions.
type AlarmUpdater interface {
	ApplyRuleAction(ctx context.Context, alarmID, ruleID string, action rule.CreateAlarmAction) (*alarm.Alarm, error)
}

// Notifier accepts notification attempts for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, attempt *notification.Attempt) error
}

// Hooks invokes automation hooks.
type Hooks interface {
	Invoke(ctx context.Context, action rule.AutomateAction, subject rule.Subject) error
}

// Firing describes one matching rule during an evaluation.
type Firing struct {
	// RuleID is the matching rule.
	RuleID string
	// Suppressed is set when the cooldown skipped the actions.
	Suppressed bool
	// Err joins the errors of the actions that failed.
	Err error
}

// Engine is the active rule set.
type Engine struct {
	// mu guards rules and ordered.
	mu sync.RWMutex
	// rules indexes the rule set by id.
	rules map[string]*rule.Rule
	// ordered is the evaluation order, rebuilt on every change.
	ordered []*rule.Rule
	// cooldownMu guards lastFired.
	cooldownMu sync.Mutex
	// lastFired holds the last time actions ran per cooldown key.
	lastFired map[string]time.Time
	// alarms receives alarm actions.
	alarms AlarmUpdater
	// notifier receives notification attempts.
	notifier Notifier
	// hooks receives automation actions.
	hooks Hooks
}

// NewEngine creates an empty engine. Nil collaborators make the matching
// actions fail with an error.
func NewEngine(alarms AlarmUpdater, notifier Notifier, hooks Hooks) *Engine {
	return &Engine{
		rules:     make(map[string]*rule.Rule),
		lastFired: make(map[string]time.Time),
		alarms:    alarms,
		notifier:  notifier,
		hooks:     hooks,
	}
}

// Add registers a new rule.
func (e *Engine) Add(r *rule.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[r.ID]; ok {
		return fmt.Errorf("add rule %s: %w", r.ID, ErrRuleExists)
	}

	e.rules[r.ID] = r.Clone()
	e.reorder()

	return nil
}

// Replace swaps an existing rule and resets its cooldowns.
func (e *Engine) Replace(r *rule.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[r.ID]; !ok {
		return errs.NewNotFoundError("rule", r.ID)
	}

	e.rules[r.ID] = r.Clone()
	e.reorder()
	e.forget(r.ID)

	return nil
}

// Upsert adds or replaces a rule. It is used when loading rule files.
func (e *Engine) Upsert(r *rule.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[r.ID] = r.Clone()
	e.reorder()
	e.forget(r.ID)
}

// Delete removes a rule.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return errs.NewNotFoundError("rule", id)
	}

	delete(e.rules, id)
	e.reorder()
	e.forget(id)

	return nil
}

// SetEnabled enables or disables a rule and returns it.
func (e *Engine) SetEnabled(id string, enabled bool) (*rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.rules[id]
	if !ok {
		return nil, errs.NewNotFoundError("rule", id)
	}

	updated := current.Clone()
	updated.Enabled = enabled
	e.rules[id] = updated
	e.reorder()

	return updated.Clone(), nil
}

// Get returns a copy of a rule.
func (e *Engine) Get(id string) (*rule.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rules[id]
	if !ok {
		return nil, errs.NewNotFoundError("rule", id)
	}

	return r.Clone(), nil
}

// List returns copies of all rules in evaluation order.
func (e *Engine) List() []*rule.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]*rule.Rule, 0, len(e.ordered))
	for _, r := range e.ordered {
		result = append(result, r.Clone())
	}

	return result
}

// Evaluate runs every enabled rule against the subject and dispatches the
// actions of the rules that match outside their cooldown.
func (e *Engine) Evaluate(ctx context.Context, subject rule.Subject) []Firing {
	e.mu.RLock()
	snapshot := e.ordered
	e.mu.RUnlock()

	var firings []Firing

	for _, r := range snapshot {
		if !r.Matches(subject) {
			continue
		}

		correlationKey := ""
		if subject.Event != nil {
			correlationKey = subject.Event.CorrelationKey()
		}

		if !e.claim(r, correlationKey, time.Now()) {
			ruleMatches.WithLabelValues(r.ID, "suppressed").Inc()
			logger.DebugKV(ctx, "Rule suppressed by cooldown", "rule_id", r.ID, "correlation_key", correlationKey)

			firings = append(firings, Firing{RuleID: r.ID, Suppressed: true})

			continue
		}

		ruleMatches.WithLabelValues(r.ID, "fired").Inc()
		logger.InfoKV(ctx, "Rule fired", "rule_id", r.ID, "correlation_key", correlationKey)

		var err error

		subject, err = e.run(ctx, r, subject)

		firings = append(firings, Firing{RuleID: r.ID, Err: err})
	}

	return firings
}

// claim reports whether the rule may fire now and, if so, records the firing.
// A rule fires again once a full cooldown has elapsed.
func (e *Engine) claim(r *rule.Rule, correlationKey string, now time.Time) bool {
	if r.Cooldown <= 0 {
		return true
	}

	key := r.CooldownKey(correlationKey)

	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()

	if last, ok := e.lastFired[key]; ok && now.Sub(last) < r.Cooldown {
		return false
	}

	e.lastFired[key] = now

	return true
}

// run dispatches the actions in order. A failing action does not stop the
// rest. The returned subject carries the alarm as updated by alarm actions.
func (e *Engine) run(ctx context.Context, r *rule.Rule, subject rule.Subject) (rule.Subject, error) {
	var failures []error

	for i, action := range r.Actions {
		var err error

		switch a := action.(type) {
		case rule.CreateAlarmAction:
			subject, err = e.applyAlarm(ctx, r, a, subject)
		case rule.NotifyAction:
			err = e.notify(ctx, r, a, subject)
		case rule.AutomateAction:
			err = e.automate(ctx, a, subject)
		default:
			err = fmt.Errorf("unsupported action %T", action)
		}

		if err != nil {
			actionFailures.WithLabelValues(string(action.Kind())).Inc()
			logger.ErrorKV(ctx, "Rule action failed",
				"rule_id", r.ID, "action", i, "kind", action.Kind(), "error", err)

			failures = append(failures, fmt.Errorf("action %d (%s): %w", i, action.Kind(), err))
		}
	}

	return subject, errors.Join(failures...)
}

func (e *Engine) applyAlarm(
	ctx context.Context,
	r *rule.Rule,
	action rule.CreateAlarmAction,
	subject rule.Subject,
) (rule.Subject, error) {
	if subject.Alarm == nil {
		return subject, errors.New("no alarm to update")
	}

	if e.alarms == nil {
		return subject, errors.New("alarm updates are not configured")
	}

	updated, err := e.alarms.ApplyRuleAction(ctx, subject.Alarm.ID, r.ID, action)
	if err != nil {
		return subject, err
	}

	subject.Alarm = updated

	return subject, nil
}

func (e *Engine) notify(ctx context.Context, r *rule.Rule, action rule.NotifyAction, subject rule.Subject) error {
	if e.notifier == nil {
		return errors.New("notifications are not configured")
	}

	payload := notification.Payload{
		Subject: headline(r, subject),
		Message: rule.Render(action.Message, subject),
		Fields:  fields(r, subject),
	}

	alarmID := ""
	if subject.Alarm != nil {
		alarmID = subject.Alarm.ID
	}

	now := time.Now().UTC()

	var failures []error

	for _, target := range action.Targets {
		attempt := &notification.Attempt{
			ID:          uuid.NewString(),
			AlarmID:     alarmID,
			RuleID:      r.ID,
			Channel:     target.Channel,
			Target:      target.Address,
			Payload:     payload,
			NextRetryAt: now,
			Status:      notification.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		attempt.Payload.Fields = maps.Clone(payload.Fields)

		if err := e.notifier.Enqueue(ctx, attempt); err != nil {
			failures = append(failures, fmt.Errorf("enqueue %s: %w", target, err))
		}
	}

	return errors.Join(failures...)
}

func (e *Engine) automate(ctx context.Context, action rule.AutomateAction, subject rule.Subject) error {
	if e.hooks == nil {
		return errors.New("automation hooks are not configured")
	}

	return e.hooks.Invoke(ctx, action, subject)
}

// reorder rebuilds the evaluation order. Callers hold mu.
func (e *Engine) reorder() {
	ordered := make([]*rule.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		ordered = append(ordered, r)
	}

	rule.Sort(ordered)
	e.ordered = ordered
}

// forget drops the cooldown bookkeeping of a rule.
func (e *Engine) forget(id string) {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()

	for key := range e.lastFired {
		if key == id || strings.HasPrefix(key, id+"|") {
			delete(e.lastFired, key)
		}
	}
}

func headline(r *rule.Rule, subject rule.Subject) string {
	title := r.Name
	if title == "" {
		title = r.ID
	}

	if subject.Alarm != nil {
		return fmt.Sprintf("[%s] %s", subject.Alarm.Severity, title)
	}

	return title
}

func fields(r *rule.Rule, subject rule.Subject) map[string]string {
	result := map[string]string{
		"rule_id": r.ID,
	}

	if e := subject.Event; e != nil {
		result["event_id"] = e.ID
		result["tenant"] = e.Tenant
		result["site"] = e.Site
		result["area"] = e.Area
		result["type"] = e.Type
		result["correlation_key"] = e.CorrelationKey()
	}

	if a := subject.Alarm; a != nil {
		result["alarm_id"] = a.ID
		result["severity"] = string(a.Severity)
		result["state"] = string(a.State)
	}

	return result
}
