// Package correlator groups incoming events into alarms by correlation key.
package correlator
