package event

import (
	"encoding/json"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// UnknownArea is used when a sensor does not report an area.
const UnknownArea = "unknown"

// Event is an immutable detection fact. Once persisted it is never mutated.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Tenant owns the site that produced the event.
	Tenant string `json:"tenant"`
	// Site is the physical location inside the tenant.
	Site string `json:"site"`
	// SourceType is the producer kind, e.g. "camera" or "audio".
	SourceType string `json:"source_type"`
	// SourceID identifies the producing device (camera id, microphone id).
	SourceID string `json:"source_id"`
	// Area is the zone inside the site.
	Area string `json:"area"`
	// Type is the detection type, e.g. "person_detected".
	Type string `json:"type"`
	// Timestamp is when the sensor observed the detection.
	Timestamp time.Time `json:"timestamp"`
	// Payload holds opaque structured detection data.
	Payload map[string]any `json:"payload,omitempty"`
	// Metadata holds derived attributes attached by enrichment.
	Metadata map[string]string `json:"metadata,omitempty"`
	// ReceivedAt is when the event was persisted.
	ReceivedAt time.Time `json:"received_at"`
}

// CorrelationKey returns the tenant:site:area:type key used to group events.
func (e *Event) CorrelationKey() string {
	return Key(e.Tenant, e.Site, e.Area, e.Type)
}

// Key composes a correlation key from its parts.
func Key(tenant, site, area, eventType string) string {
	return strings.Join([]string{tenant, site, area, eventType}, ":")
}

// Normalize trims identifying fields and fills defaults. It is idempotent.
func (e *Event) Normalize() {
	e.Tenant = strings.TrimSpace(e.Tenant)
	e.Site = strings.TrimSpace(e.Site)
	e.SourceType = strings.TrimSpace(e.SourceType)
	e.SourceID = strings.TrimSpace(e.SourceID)
	e.Area = strings.TrimSpace(e.Area)
	e.Type = strings.TrimSpace(e.Type)

	if e.Area == "" {
		e.Area = UnknownArea
	}

	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}
}

// Validate checks required fields and returns a ValidationError listing every problem.
func (e *Event) Validate() error {
	var problems []string

	if e.Tenant == "" {
		problems = append(problems, "tenant is required")
	}

	if e.Site == "" {
		problems = append(problems, "site is required")
	}

	if e.Type == "" {
		problems = append(problems, "type is required")
	}

	if e.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}

	for _, part := range []string{e.Tenant, e.Site, e.Area, e.Type} {
		if strings.Contains(part, ":") {
			problems = append(problems, "tenant, site, area and type must not contain ':'")

			break
		}
	}

	if len(problems) > 0 {
		return errs.NewValidationError("event", problems...)
	}

	return nil
}

// CameraID returns the camera the event came from, if any.
func (e *Event) CameraID() string {
	if e.SourceType == "camera" {
		return e.SourceID
	}

	if id, ok := e.Payload["camera_id"].(string); ok {
		return id
	}

	return ""
}

// Confidence returns the detector confidence from the payload, clamped to
// [0, 1]. It reports false when the payload carries no number.
func (e *Event) Confidence() (float64, bool) {
	var value float64

	switch raw := e.Payload["confidence"].(type) {
	case float64:
		value = raw
	case float32:
		value = float64(raw)
	case int:
		value = float64(raw)
	case int64:
		value = float64(raw)
	case json.Number:
		parsed, err := raw.Float64()
		if err != nil {
			return 0, false
		}

		value = parsed
	default:
		return 0, false
	}

	if math.IsNaN(value) {
		return 0, false
	}

	return min(max(value, 0), 1), true
}

// Clone returns a copy that does not share maps with the receiver.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	cloned := *e
	cloned.Payload = cloneValue(e.Payload).(map[string]any) //nolint:forcetypeassert // Same type in, same type out.
	cloned.Metadata = maps.Clone(e.Metadata)

	return &cloned
}

// cloneValue deep-copies JSON-like values.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any(nil)
		}

		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
