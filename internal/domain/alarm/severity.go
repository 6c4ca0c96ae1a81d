package alarm

import (
	"strings"
	"time"
)

// Severity ranks how urgent an alarm is.
type Severity string

const (
	// SeverityInfo is the lowest severity.
	SeverityInfo Severity = "info"
	// SeverityMinor needs attention within a shift.
	SeverityMinor Severity = "minor"
	// SeverityMajor needs attention soon.
	SeverityMajor Severity = "major"
	// SeverityCritical needs immediate attention.
	SeverityCritical Severity = "critical"
)

// severities lists severities from lowest to highest.
//
//nolint:gochecknoglobals // Read-only lookup table.
var severities = []Severity{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical}

// DefaultSLADurations are the resolution budgets used when the configuration is silent.
func DefaultSLADurations() map[Severity]time.Duration {
	return map[Severity]time.Duration{
		SeverityCritical: time.Hour,
		SeverityMajor:    2 * time.Hour,
		SeverityMinor:    8 * time.Hour,
		SeverityInfo:     24 * time.Hour,
	}
}

// ParseSeverity converts user input to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	severity := Severity(strings.ToLower(strings.TrimSpace(s)))

	return severity, severity.Valid()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank returns the position of s from lowest (0) to highest, or -1 when unknown.
func (s Severity) Rank() int {
	for i, severity := range severities {
		if severity == s {
			return i
		}
	}

	return -1
}

// Escalate returns the next higher severity; critical stays critical.
func (s Severity) Escalate() Severity {
	rank := s.Rank()
	if rank < 0 || rank == len(severities)-1 {
		return s
	}

	return severities[rank+1]
}

// Max returns the higher of two severities.
func Max(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}

	return a
}
