package rule

import (
	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/notification"
)

// ActionKind names an action variant.
type ActionKind string

const (
	// KindAlarm creates or updates the correlated alarm.
	KindAlarm ActionKind = "alarm.create_or_update"
	// KindNotify sends notifications.
	KindNotify ActionKind = "notify"
	// KindAutomation invokes an external automation hook.
	KindAutomation ActionKind = "automation"
)

// Action is one of CreateAlarmAction, NotifyAction or AutomateAction.
// The set is closed: callers switch over the concrete types.
type Action interface {
	// Kind returns the action variant.
	Kind() ActionKind

	sealed()
}

// CreateAlarmAction raises or escalates the severity of the correlated alarm.
type CreateAlarmAction struct {
	// Severity is the minimum severity the alarm should have; empty keeps it.
	Severity alarm.Severity
	// Escalate bumps the severity one level.
	Escalate bool
	// Runbook is an optional runbook reference attached to the alarm history.
	Runbook string
}

// NotifyAction sends a rendered message to every channel.
type NotifyAction struct {
	// Targets are the destinations.
	Targets []notification.Target
	// Message is a template with {{field}} placeholders.
	Message string
}

// AutomateAction invokes an automation hook such as a PTZ preset.
type AutomateAction struct {
	// Hook is the device family, e.g. "ptz", "signage" or "radio".
	Hook string
	// Command is the hook-specific command, e.g. "preset".
	Command string
	// Params are passed to the hook unchanged.
	Params map[string]any
}

// Kind implements Action.
func (CreateAlarmAction) Kind() ActionKind { return KindAlarm }

// Kind implements Action.
func (NotifyAction) Kind() ActionKind { return KindNotify }

// Kind implements Action.
func (AutomateAction) Kind() ActionKind { return KindAutomation }

func (CreateAlarmAction) sealed() {}
func (NotifyAction) sealed()      {}
func (AutomateAction) sealed()    {}

// Name returns "hook.command", the form used in rule documents.
func (a AutomateAction) Name() string {
	if a.Command == "" {
		return a.Hook
	}

	return a.Hook + "." + a.Command
}
