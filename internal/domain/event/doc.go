// Package event contains the canonical detection event produced by sensors
// and the correlation key derived from it.
package event
