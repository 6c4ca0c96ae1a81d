package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// TestFromMap_Timestamps accepts RFC 3339 strings and unix seconds.
func TestFromMap_Timestamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  any
		want time.Time
	}{
		{name: "unix seconds", raw: float64(100), want: time.Unix(100, 0).UTC()},
		{name: "fractional seconds", raw: 100.5, want: time.Unix(100, int64(500*time.Millisecond)).UTC()},
		{name: "numeric string", raw: "105", want: time.Unix(105, 0).UTC()},
		{name: "rfc3339", raw: "2024-01-02T03:04:05+02:00", want: time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := FromMap(map[string]any{
				"tenant":    "acme",
				"site":      "hq",
				"type":      "intrusion",
				"timestamp": tt.raw,
				"payload":   map[string]any{"confidence": 0.9},
			})
			require.NoError(t, err)
			require.True(t, tt.want.Equal(e.Timestamp), "got %s", e.Timestamp)
			require.Equal(t, "acme", e.Tenant)
			require.InDelta(t, 0.9, e.Payload["confidence"], 1e-9)
		})
	}
}

// TestFromMap_Rejects reports malformed payloads and timestamps as validation errors.
func TestFromMap_Rejects(t *testing.T) {
	t.Parallel()

	var validationErr *errs.ValidationError

	_, err := FromMap(map[string]any{"payload": "nope"})
	require.ErrorAs(t, err, &validationErr)

	_, err = FromMap(map[string]any{"timestamp": "yesterday"})
	require.ErrorAs(t, err, &validationErr)

	_, err = FromMap(map[string]any{"timestamp": true})
	require.ErrorAs(t, err, &validationErr)

	_, err = DecodeJSON([]byte("[1,2]"))
	require.ErrorAs(t, err, &validationErr)
}

// TestDecodeJSON decodes the wire form shared by REST and MQTT.
func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	e, err := DecodeJSON([]byte(`{"id":"e1","tenant":"acme","site":"hq","source_type":"camera",` +
		`"source_id":"cam-7","area":"gate","type":"intrusion","timestamp":100}`))
	require.NoError(t, err)
	require.Equal(t, "e1", e.ID)
	require.Equal(t, "cam-7", e.CameraID())
	require.Equal(t, "acme:hq:gate:intrusion", e.CorrelationKey())
	require.Equal(t, time.Unix(100, 0).UTC(), e.Timestamp)
}
