package toil

import "time"

// EditWindow decides whether an owner may still change or delete an event.
// An event is editable while its CreatedAt falls on the same UTC calendar day
// as the current server time. The check runs on every mutation; nothing is
// cached.
type EditWindow struct {
	Now func() time.Time
}

// NewEditWindow returns a window driven by the given clock.
// A nil clock means time.Now.
func NewEditWindow(now func() time.Time) EditWindow {
	if now == nil {
		now = time.Now
	}
	return EditWindow{Now: now}
}

// Check returns an *EditWindowError if e can no longer be changed by its owner.
func (w EditWindow) Check(e Event) error {
	now := w.Now()
	if !SameUTCDay(e.CreatedAt, now) {
		return &EditWindowError{EventID: e.ID, CreatedAt: e.CreatedAt, Now: now}
	}
	return nil
}

// SameUTCDay reports whether a and b fall on the same midnight-aligned UTC day.
func SameUTCDay(a, b time.Time) bool {
	return StartOfUTCDay(a).Equal(StartOfUTCDay(b))
}

// StartOfUTCDay truncates t to midnight UTC.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
