package toil

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNoteLength is the longest note accepted, in characters.
const MaxNoteLength = 200

// MaxMinutes is the largest minutes value accepted for a single event. It is
// the range of a 32-bit integer column, so balance sums over any realistic
// number of events stay well inside int.
const MaxMinutes = math.MaxInt32

// TimestampFormat is the wire format for all instants: ISO 8601 in UTC with
// millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

const dayFormat = "2006-01-02"

// ParseTimestamp parses an ISO 8601 / RFC 3339 date-time. Fractional seconds
// are optional. The result is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalid("timestamp", "is required")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, invalid("timestamp", "must be an ISO 8601 date-time")
	}
	return t.UTC(), nil
}

// FormatTimestamp renders t in TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseEventType accepts "ADD" or "TAKE".
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", invalid("type", "must be ADD or TAKE")
	}
	return t, nil
}

// ParseRole accepts "user" or "manager".
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", invalid("role", "must be user or manager")
	}
	return r, nil
}

func validateMinutes(m int) error {
	if m <= 0 {
		return invalid("minutes", "must be positive")
	}
	if m > MaxMinutes {
		return invalid("minutes", "must be at most "+strconv.Itoa(MaxMinutes))
	}
	return nil
}

func validateNote(n string) error {
	if utf8.RuneCountInString(n) > MaxNoteLength {
		return invalid("note", "must be at most 200 characters")
	}
	return nil
}

// normalizeNote stores empty notes as absent.
func normalizeNote(n *string) *string {
	if n == nil || *n == "" {
		return nil
	}
	v := *n
	return &v
}

// validateInput checks a new event and returns its parsed timestamp.
func validateInput(in EventInput) (time.Time, error) {
	if in.Type == "" {
		return time.Time{}, invalid("type", "is required")
	}
	if !in.Type.Valid() {
		return time.Time{}, invalid("type", "must be ADD or TAKE")
	}
	if err := validateMinutes(in.Minutes); err != nil {
		return time.Time{}, err
	}
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return time.Time{}, err
	}
	if err := validateNote(in.Note); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// validatePatch checks every provided field against the same constraints as
// creation.
func validatePatch(p Patch) (Changes, error) {
	var c Changes
	if p.Type != nil {
		if !p.Type.Valid() {
			return Changes{}, invalid("type", "must be ADD or TAKE")
		}
		t := *p.Type
		c.Type = &t
	}
	if p.Minutes != nil {
		if err := validateMinutes(*p.Minutes); err != nil {
			return Changes{}, err
		}
		m := *p.Minutes
		c.Minutes = &m
	}
	if p.Timestamp != nil {
		ts, err := ParseTimestamp(*p.Timestamp)
		if err != nil {
			return Changes{}, err
		}
		c.Timestamp = &ts
	}
	if p.Note != nil {
		if err := validateNote(*p.Note); err != nil {
			return Changes{}, err
		}
		c.Note = normalizeNote(p.Note)
		c.SetNote = true
	}
	return c, nil
}
