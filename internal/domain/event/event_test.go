package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// TestValidate reports every missing field at once.
func TestValidate(t *testing.T) {
	t.Parallel()

	var validationErr *errs.ValidationError

	e := new(Event)
	e.Normalize()

	err := e.Validate()
	require.ErrorAs(t, err, &validationErr)
	require.Len(t, validationErr.Fields, 4)

	e = &Event{
		Tenant:    " t1 ",
		Site:      "s1",
		Type:      "person_detected",
		Timestamp: time.Unix(100, 0),
	}
	e.Normalize()

	require.NoError(t, e.Validate())
	require.Equal(t, "t1", e.Tenant)
	require.Equal(t, UnknownArea, e.Area)
	require.Equal(t, "t1:s1:unknown:person_detected", e.CorrelationKey())

	e.Area = "lobby:east"
	require.ErrorAs(t, e.Validate(), &validationErr)
}

// TestClone ensures payload maps are deep-copied.
func TestClone(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*Event)(nil).Clone())

	e := &Event{
		ID:       "e1",
		Payload:  map[string]any{"boxes": []any{map[string]any{"x": 1.0}}},
		Metadata: map[string]string{"site_name": "HQ"},
	}

	c := e.Clone()
	require.Equal(t, e, c)

	c.Payload["boxes"].([]any)[0].(map[string]any)["x"] = 2.0
	c.Metadata["site_name"] = "changed"

	require.InDelta(t, 1.0, e.Payload["boxes"].([]any)[0].(map[string]any)["x"], 0)
	require.Equal(t, "HQ", e.Metadata["site_name"])

	require.Nil(t, (&Event{ID: "e2"}).Clone().Payload)
}

// TestCursorRoundtrip checks encoding, decoding and ordering helpers.
func TestCursorRoundtrip(t *testing.T) {
	t.Parallel()

	ts := time.Unix(100, 5).UTC()
	c := Cursor{Timestamp: ts, ID: "b"}

	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)

	parsed, err = ParseCursor("100")
	require.NoError(t, err)
	require.True(t, parsed.Timestamp.Equal(time.Unix(100, 0)))
	require.Empty(t, parsed.ID)

	parsed, err = ParseCursor("1970-01-01T00:01:40Z")
	require.NoError(t, err)
	require.True(t, parsed.Timestamp.Equal(time.Unix(100, 0)))

	_, err = ParseCursor("")
	require.Error(t, err)

	_, err = ParseCursor("abc:def")
	require.Error(t, err)

	same := &Event{ID: "a", Timestamp: ts}
	later := &Event{ID: "c", Timestamp: ts}

	require.True(t, c.Before(same))
	require.True(t, c.After(later))
	require.False(t, c.After(&Event{ID: "b", Timestamp: ts}))

	bare := Cursor{Timestamp: ts}
	require.False(t, bare.After(same))
	require.False(t, bare.Before(same))
	require.True(t, Less(same, later))
}

func TestConfidence(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		payload map[string]any
		want    float64
		ok      bool
	}{
		{name: "float", payload: map[string]any{"confidence": 0.93}, want: 0.93, ok: true},
		{name: "json number", payload: map[string]any{"confidence": json.Number("0.5")}, want: 0.5, ok: true},
		{name: "clamped", payload: map[string]any{"confidence": 7}, want: 1, ok: true},
		{name: "negative", payload: map[string]any{"confidence": -0.2}, want: 0, ok: true},
		{name: "text", payload: map[string]any{"confidence": "high"}},
		{name: "missing"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := (&Event{Payload: tc.payload}).Confidence()
			require.Equal(t, tc.ok, ok)
			require.InDelta(t, tc.want, got, 1e-9)
		})
	}
}
