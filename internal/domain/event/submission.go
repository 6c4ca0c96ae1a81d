package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// FromMap decodes a loosely typed submission, as received over gRPC Struct,
// MQTT or REST, into an event. The timestamp may be an RFC 3339 string or a
// number of seconds since the Unix epoch. The result is not validated.
func FromMap(fields map[string]any) (*Event, error) {
	e := &Event{
		ID:         text(fields, "id"),
		Tenant:     text(fields, "tenant"),
		Site:       text(fields, "site"),
		SourceType: text(fields, "source_type"),
		SourceID:   text(fields, "source_id"),
		Area:       text(fields, "area"),
		Type:       text(fields, "type"),
	}

	if raw, ok := fields["payload"]; ok && raw != nil {
		payload, isMap := raw.(map[string]any)
		if !isMap {
			return nil, errs.NewValidationError("event", "payload must be an object")
		}

		e.Payload = payload
	}

	if raw, ok := fields["timestamp"]; ok && raw != nil {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, errs.NewValidationError("event", "timestamp: "+err.Error())
		}

		e.Timestamp = ts
	}

	return e, nil
}

// DecodeJSON decodes a JSON submission with FromMap.
func DecodeJSON(data []byte) (*Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errs.NewValidationError("event", "body must be a JSON object")
	}

	return FromMap(fields)
}

func text(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		v = strings.TrimSpace(v)

		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			return unixSeconds(seconds), nil
		}

		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected RFC 3339 or unix seconds, got %q", v)
		}

		return ts.UTC(), nil
	case float64:
		return unixSeconds(v), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case json.Number:
		seconds, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse number: %w", err)
		}

		return unixSeconds(seconds), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", raw)
	}
}

func unixSeconds(seconds float64) time.Time {
	whole, fraction := math.Modf(seconds)

	return time.Unix(int64(whole), int64(fraction*float64(time.Second))).UTC()
}
