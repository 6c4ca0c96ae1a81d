// Package alarm implements the alarm manager: creation from correlated
// events, the lifecycle state machine, assignment, notes, severity changes
// and the SLA sweep.
//
// Every mutation runs under a per-alarm lock and publishes the resulting
// snapshot so live subscribers see the same sequence of changes as the
// history records.
package alarm
