package conversation

import (
	"strings"
	"time"
)

// Cursor is a resumption marker: the greatest created_at observed so far,
// formatted as RFC3339 with nanoseconds. The zero value means "from the start".
type Cursor string

func CursorAt(t time.Time) Cursor {
	if t.IsZero() {
		return ""
	}
	return Cursor(t.UTC().Format(time.RFC3339Nano))
}

func (c Cursor) Time() (time.Time, bool) {
	s := strings.TrimSpace(string(c))
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c Cursor) IsZero() bool {
	_, ok := c.Time()
	return !ok
}

// Advance returns max(c, t). An unparsable cursor is replaced.
func (c Cursor) Advance(t time.Time) Cursor {
	if t.IsZero() {
		return c
	}
	cur, ok := c.Time()
	if !ok || t.After(cur) {
		return CursorAt(t)
	}
	return c
}
