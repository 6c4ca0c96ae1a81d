package rule

import (
	"strings"
	"time"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/event"
)

// Subject is the read-only snapshot a rule is evaluated against.
type Subject struct {
	// Event is the event that triggered evaluation.
	Event *event.Event
	// Alarm is the alarm the event was correlated into, if any.
	Alarm *alarm.Alarm
}

// alarmFields lists the fields reachable under the "alarm." prefix.
//
//nolint:gochecknoglobals // Read-only lookup table.
var alarmFields = map[string]struct{}{
	"id":                {},
	"severity":          {},
	"state":             {},
	"event_count":       {},
	"sla_breached":      {},
	"assigned_operator": {},
	"correlation_key":   {},
}

// Lookup resolves a field path. Known event fields resolve directly,
// "payload.<path>" and "metadata.<key>" address nested data, "alarm.<field>"
// addresses the correlated alarm, and any other path is looked up in the
// payload. An optional "event." prefix is ignored.
func (s Subject) Lookup(field string) (any, bool) {
	field = strings.TrimPrefix(field, "event.")

	if rest, ok := strings.CutPrefix(field, "alarm."); ok {
		return s.alarmField(rest)
	}

	e := s.Event
	if e == nil {
		return nil, false
	}

	switch field {
	case "id":
		return e.ID, true
	case "tenant":
		return e.Tenant, true
	case "site":
		return e.Site, true
	case "area":
		return e.Area, true
	case "type":
		return e.Type, true
	case "source_type":
		return e.SourceType, true
	case "source_id":
		return e.SourceID, true
	case "correlation_key":
		return e.CorrelationKey(), true
	case "timestamp":
		return e.Timestamp.Format(time.RFC3339), true
	}

	if rest, ok := strings.CutPrefix(field, "metadata."); ok {
		value, found := e.Metadata[rest]

		return value, found
	}

	return nested(e.Payload, strings.TrimPrefix(field, "payload."))
}

func (s Subject) alarmField(field string) (any, bool) {
	a := s.Alarm
	if a == nil {
		return nil, false
	}

	switch field {
	case "id":
		return a.ID, true
	case "severity":
		return string(a.Severity), true
	case "state":
		return string(a.State), true
	case "event_count":
		return len(a.LinkedEventIDs), true
	case "sla_breached":
		return a.SLABreached, true
	case "assigned_operator":
		return a.AssignedOperator, a.AssignedOperator != ""
	case "correlation_key":
		return a.CorrelationKey, true
	default:
		return nil, false
	}
}

func nested(data map[string]any, path string) (any, bool) {
	var current any = data

	for key := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
