package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a stable pagination position: events are ordered by
// (Timestamp, ID) so identical timestamps never cause skips or duplicates.
// A cursor with an empty ID is a bare timestamp bound.
type Cursor struct {
	// Timestamp is the event timestamp of the position.
	Timestamp time.Time
	// ID breaks ties between events sharing a timestamp.
	ID string
}

// errEmptyCursor is returned when parsing an empty cursor string.
var errEmptyCursor = errors.New("cursor is empty")

// CursorOf returns the position of the given event.
func CursorOf(e *Event) Cursor {
	return Cursor{
		Timestamp: e.Timestamp,
		ID:        e.ID,
	}
}

// String encodes the cursor as "<unix-nanos>:<id>".
func (c Cursor) String() string {
	if c.ID == "" {
		return strconv.FormatInt(c.Timestamp.UnixNano(), 10)
	}

	return strconv.FormatInt(c.Timestamp.UnixNano(), 10) + ":" + c.ID
}

// ParseCursor decodes a cursor produced by Cursor.String. A bare RFC3339
// timestamp or a unix-seconds number is accepted as a timestamp-only bound.
func ParseCursor(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, errEmptyCursor
	}

	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return Cursor{Timestamp: ts.UTC()}, nil
	}

	nanos, id, hasID := strings.Cut(raw, ":")

	value, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("parse cursor %q: %w", raw, err)
	}

	if !hasID {
		// Short numbers are unix seconds, long ones are nanoseconds.
		if len(nanos) <= 12 {
			return Cursor{Timestamp: time.Unix(value, 0).UTC()}, nil
		}

		return Cursor{Timestamp: time.Unix(0, value).UTC()}, nil
	}

	return Cursor{
		Timestamp: time.Unix(0, value).UTC(),
		ID:        id,
	}, nil
}

// After reports whether e sorts strictly after the cursor.
func (c Cursor) After(e *Event) bool {
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.After(c.Timestamp)
	}

	return c.ID != "" && e.ID > c.ID
}

// Before reports whether e sorts strictly before the cursor.
func (c Cursor) Before(e *Event) bool {
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.Before(c.Timestamp)
	}

	return c.ID != "" && e.ID < c.ID
}

// Less orders events by (Timestamp, ID).
func Less(a, b *Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}

	return a.ID < b.ID
}
