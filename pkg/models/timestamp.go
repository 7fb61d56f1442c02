package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Timestamp is a UTC instant with explicit parse/format boundaries.
// The zero value means "unknown".
type Timestamp struct {
	time.Time
}

// Accepted input layouts, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"20060102",
}

// NewTimestamp converts t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTimestamp parses the layouts written by this tool, by older state files
// (ISO without zone, implied UTC) and by the source platform (YYYYMMDD).
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return NewTimestamp(t), nil
		}
		lastErr = err
	}
	return Timestamp{}, lastErr
}

// TimestampPtr returns a pointer to a copy of ts, or nil when ts is zero.
func TimestampPtr(ts Timestamp) *Timestamp {
	if ts.IsZero() {
		return nil
	}
	return &ts
}

// String formats the timestamp as RFC3339.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// RFC2822 formats the timestamp the way podcast clients expect in pubDate.
func (ts Timestamp) RFC2822() string {
	return ts.UTC().Format(time.RFC1123Z)
}

// MarshalJSON writes RFC3339, or null for the zero value.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

// UnmarshalJSON is lenient: null, empty and unparseable values decode to the
// zero Timestamp instead of failing the surrounding document.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*ts = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		*ts = Timestamp{}
		return nil
	}
	*ts = parsed
	return nil
}
