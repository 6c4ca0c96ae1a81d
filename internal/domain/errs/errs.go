package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCorrelationRace is returned by key lockers when another owner holds the
// correlation key. The correlator retries until it wins the lock.
var ErrCorrelationRace = errors.New("correlation key is locked by another owner")

// ValidationError reports malformed input that was rejected and never persisted.
type ValidationError struct {
	// Object names what was validated (event, alarm, rule, request).
	Object string
	// Fields lists the offending fields with short reasons.
	Fields []string
}

// NewValidationError builds a ValidationError for the given object.
func NewValidationError(object string, fields ...string) *ValidationError {
	return &ValidationError{
		Object: object,
		Fields: fields,
	}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid " + e.Object
	}

	return fmt.Sprintf("invalid %s: %s", e.Object, strings.Join(e.Fields, "; "))
}

// InvalidTransitionError reports an alarm state change outside the allowed set.
// The alarm is left untouched and Current carries its state at rejection time.
type InvalidTransitionError struct {
	// AlarmID identifies the alarm the transition was requested for.
	AlarmID string
	// From is the state the alarm was in.
	From string
	// To is the requested target state.
	To string
	// Current is the state the alarm remains in.
	Current string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alarm %s: cannot transition from %s to %s", e.AlarmID, e.From, e.To)
}

// NotFoundError reports a reference to a missing alarm, rule, event or subscription.
type NotFoundError struct {
	// Kind is the referenced object kind.
	Kind string
	// ID is the identifier that was looked up.
	ID string
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{
		Kind: kind,
		ID:   id,
	}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// RuleParseError reports a malformed declarative rule. It is produced at load
// or update time and never at evaluation time.
type RuleParseError struct {
	// Rule is the rule identifier, or the source file when the id is unknown.
	Rule string
	// Path points at the offending node, e.g. "when.all[2]".
	Path string
	// Reason describes the problem.
	Reason string
}

func (e *RuleParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("rule %s: %s", e.Rule, e.Reason)
	}

	return fmt.Sprintf("rule %s: %s: %s", e.Rule, e.Path, e.Reason)
}

// DeliveryError reports a channel send failure.
type DeliveryError struct {
	// Channel is the notification channel that failed.
	Channel string
	// Retryable marks transient failures worth another attempt.
	Retryable bool
	// Err is the underlying cause.
	Err error
}

// NewDeliveryError wraps err as a DeliveryError.
func NewDeliveryError(channel string, retryable bool, err error) *DeliveryError {
	return &DeliveryError{
		Channel:   channel,
		Retryable: retryable,
		Err:       err,
	}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying. Unknown errors are
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Retryable
	}

	return true
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError

	return errors.As(err, &notFound)
}
