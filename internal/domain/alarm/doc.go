// Package alarm contains the alarm aggregate and its lifecycle rules.
//
// It defines the State machine (NEW through CLOSED), Severity levels with
// escalation, history records, and Clone helpers that keep stored aggregates
// from leaking internal references.
package alarm
