// Package errs defines the error taxonomy shared by the correlation core.
//
// Structural failures (ValidationError, InvalidTransitionError, NotFoundError,
// RuleParseError) are returned to callers immediately. DeliveryError carries a
// retryable flag for the notification dispatcher, and ErrCorrelationRace is an
// internal signal that never leaves the correlator.
package errs
