package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// epoch is what malformed or missing times collapse to when compared.
var epoch = time.Unix(0, 0).UTC()

// timestampLayouts are tried in order when decoding string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamp is a leniently decoded point in time. Records produced by
// different backend versions send RFC 3339 strings, naive ISO strings, or
// epoch numbers. A value that is present but cannot be parsed decodes to the
// Unix epoch and still reports Present.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// NewTimestamp returns a present Timestamp for t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC(), Valid: true}
}

// Present reports whether the field carried a value.
func (t Timestamp) Present() bool {
	return t.Valid
}

// IsZero reports whether the field is absent. It lets `omitzero` drop
// absent timestamps when encoding.
func (t Timestamp) IsZero() bool {
	return !t.Valid
}

// Instant returns the time used for ordering. Absent and unparseable values
// order as the Unix epoch.
func (t Timestamp) Instant() time.Time {
	if !t.Valid || t.Time.IsZero() {
		return epoch
	}
	return t.Time
}

// UnmarshalJSON implements json.Unmarshaler and never fails.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, string(data) == "null", string(data) == "false":
		*t = Timestamp{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*t = Timestamp{Time: epoch, Valid: true}
			return nil
		}
		*t = parseTimestampString(s)
		return nil
	}

	if f, err := strconv.ParseFloat(string(data), 64); err == nil {
		*t = fromEpochNumber(f)
		return nil
	}
	*t = Timestamp{Time: epoch, Valid: true}
	return nil
}

// MarshalJSON encodes present values as RFC 3339 and absent ones as null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func parseTimestampString(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return NewTimestamp(parsed)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochNumber(f)
	}
	return Timestamp{Time: epoch, Valid: true}
}

// fromEpochNumber treats values above 1e12 as milliseconds, smaller ones as
// seconds. Zero is treated as absent.
func fromEpochNumber(f float64) Timestamp {
	if f == 0 {
		return Timestamp{}
	}
	if f > 1e12 {
		return NewTimestamp(time.UnixMilli(int64(f)))
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return NewTimestamp(time.Unix(sec, nsec))
}
