package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-ledger/toil"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func event(id string, typ toil.EventType, minutes int, status toil.Status, ts time.Time) toil.Event {
	return toil.Event{ID: id, Type: typ, Minutes: minutes, Status: status, Timestamp: ts, CreatedAt: ts}
}

// =============================================================================
// CACHE
// =============================================================================

func TestCache_TentativeConfirm(t *testing.T) {
	c := NewCache(nil, quietLogger())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// GIVEN: A tentative ADD
	tempID := c.AddTentative(event("", toil.EventAdd, 30, "", now))
	assert.True(t, strings.HasPrefix(tempID, tentativePrefix))
	assert.True(t, c.IsTentative(tempID))
	assert.Equal(t, 30, c.Balance().Total.Net())

	// WHEN: The server confirms it
	c.Confirm(tempID, event("srv-1", toil.EventAdd, 30, toil.StatusPending, now))

	// THEN: Only the authoritative record remains
	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "srv-1", events[0].ID)
	assert.False(t, c.IsTentative("srv-1"))
	_, ok := c.Get(tempID)
	assert.False(t, ok)
}

func TestCache_Discard(t *testing.T) {
	c := NewCache(nil, quietLogger())
	tempID := c.AddTentative(event("", toil.EventTake, 30, "", time.Now()))

	c.Discard(tempID)

	assert.Empty(t, c.Events())
	assert.Equal(t, 0, c.Balance().Total.Net())
}

func TestCache_ReplaceKeepsInFlightTentatives(t *testing.T) {
	c := NewCache(nil, quietLogger())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c.Put(event("old", toil.EventAdd, 10, toil.StatusPending, now))
	tempID := c.AddTentative(event("", toil.EventAdd, 20, "", now))

	c.Replace([]toil.Event{event("srv-1", toil.EventAdd, 60, toil.StatusApproved, now.Add(time.Hour))})

	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "srv-1", events[0].ID)
	assert.Equal(t, tempID, events[1].ID)
	_, ok := c.Get("old")
	assert.False(t, ok)
}

type failingPersister struct {
	saves int
}

func (f *failingPersister) Load() ([]toil.Event, error) { return nil, errors.New("disk on fire") }
func (f *failingPersister) Save([]toil.Event) error {
	f.saves++
	return errors.New("disk on fire")
}

type recordingPersister struct {
	saved []toil.Event
}

func (r *recordingPersister) Load() ([]toil.Event, error) { return nil, nil }
func (r *recordingPersister) Save(events []toil.Event) error {
	r.saved = events
	return nil
}

func TestCache_PutKeepsTentativeFlag(t *testing.T) {
	// GIVEN: A confirmed record and a tentative one
	p := &recordingPersister{}
	c := NewCache(p, quietLogger())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c.Put(event("srv-1", toil.EventAdd, 10, toil.StatusPending, now))
	tempID := c.AddTentative(event("", toil.EventAdd, 20, "", now))

	// WHEN: The tentative record is overwritten in place
	edited := event(tempID, toil.EventAdd, 45, toil.StatusPending, now)
	c.Put(edited)

	// THEN: It is still tentative and never persisted
	assert.True(t, c.IsTentative(tempID))
	require.Len(t, p.saved, 1)
	assert.Equal(t, "srv-1", p.saved[0].ID)

	// AND: A refresh keeps it until the create settles
	c.Replace(nil)
	got, ok := c.Get(tempID)
	require.True(t, ok)
	assert.Equal(t, 45, got.Minutes)
	assert.Empty(t, p.saved)

	c.Discard(tempID)
	assert.Empty(t, c.Events())
}

func TestCache_PersistenceFailuresAreNonFatal(t *testing.T) {
	p := &failingPersister{}
	c := NewCache(p, quietLogger())

	c.Put(event("a", toil.EventAdd, 10, toil.StatusPending, time.Now()))

	assert.Equal(t, 1, p.saves)
	assert.Len(t, c.Events(), 1)
}

func TestFilePersister_RoundTrip(t *testing.T) {
	// GIVEN: A cache writing to a file
	path := filepath.Join(t.TempDir(), "nested", "events.json")
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	note := "hello"

	c := NewCache(FilePersister{Path: path}, quietLogger())
	e := event("srv-1", toil.EventAdd, 30, toil.StatusPending, now)
	e.Note = &note
	c.Put(e)
	c.AddTentative(event("", toil.EventAdd, 5, "", now))

	// WHEN: A new cache loads the same file
	reloaded := NewCache(FilePersister{Path: path}, quietLogger())

	// THEN: The confirmed record is back, the tentative one is not
	events := reloaded.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "srv-1", events[0].ID)
	require.NotNil(t, events[0].Note)
	assert.Equal(t, "hello", *events[0].Note)
	assert.True(t, events[0].Timestamp.Equal(now))
}

func TestFilePersister_MissingFile(t *testing.T) {
	events, err := FilePersister{Path: filepath.Join(t.TempDir(), "none.json")}.Load()
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// LEDGER (fake API)
// =============================================================================

type fakeAPI struct {
	err     error
	created toil.Event
	calls   int
}

func (f *fakeAPI) ListEvents(context.Context) ([]toil.Event, error) { return nil, f.err }

func (f *fakeAPI) CreateEvent(context.Context, toil.EventInput) (toil.Event, error) {
	f.calls++
	return f.created, f.err
}

func (f *fakeAPI) UpdateEvent(_ context.Context, id string, _ toil.Patch) (toil.Event, error) {
	f.calls++
	return toil.Event{}, f.err
}

func (f *fakeAPI) DeleteEvent(context.Context, string) error {
	f.calls++
	return f.err
}

func TestLedger_FailedCreateIsDiscarded(t *testing.T) {
	api := &fakeAPI{err: &APIError{Status: 400, Code: "validation_error", Message: "minutes: must be positive"}}
	l := NewLedger(api, NewCache(nil, quietLogger()), quietLogger())

	_, err := l.Create(context.Background(), toil.EventInput{Timestamp: "2026-03-10T09:00:00Z", Type: toil.EventAdd, Minutes: 0})

	assert.ErrorIs(t, err, toil.ErrValidation)
	assert.Empty(t, l.Events())
}

func TestLedger_FailedUpdateRestoresPrevious(t *testing.T) {
	cache := NewCache(nil, quietLogger())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache.Put(event("srv-1", toil.EventAdd, 30, toil.StatusPending, now))
	l := NewLedger(&fakeAPI{err: &APIError{Status: 400, Code: "edit_window_expired"}}, cache, quietLogger())

	minutes := 99
	_, err := l.Update(context.Background(), "srv-1", toil.Patch{Minutes: &minutes})

	assert.ErrorIs(t, err, toil.ErrEditWindowExpired)
	got, ok := cache.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, 30, got.Minutes)
}

func TestLedger_FailedDeleteRestoresPrevious(t *testing.T) {
	cache := NewCache(nil, quietLogger())
	cache.Put(event("srv-1", toil.EventAdd, 30, toil.StatusApproved, time.Now()))
	l := NewLedger(&fakeAPI{err: &APIError{Status: 409, Code: "invalid_transition"}}, cache, quietLogger())

	err := l.Delete(context.Background(), "srv-1")

	assert.ErrorIs(t, err, toil.ErrInvalidTransition)
	_, ok := cache.Get("srv-1")
	assert.True(t, ok)
}

func TestLedger_TentativeEventsCannotBeChanged(t *testing.T) {
	// GIVEN: A create still waiting on the server
	p := &recordingPersister{}
	cache := NewCache(p, quietLogger())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tempID := cache.AddTentative(event("", toil.EventAdd, 30, "", now))
	api := &fakeAPI{}
	l := NewLedger(api, cache, quietLogger())

	// WHEN: The caller edits or deletes it
	minutes := 99
	_, updateErr := l.Update(context.Background(), tempID, toil.Patch{Minutes: &minutes})
	deleteErr := l.Delete(context.Background(), tempID)

	// THEN: Both are refused locally and the record is untouched
	assert.ErrorIs(t, updateErr, ErrTentative)
	assert.ErrorIs(t, deleteErr, ErrTentative)
	assert.Zero(t, api.calls)
	assert.True(t, cache.IsTentative(tempID))
	got, ok := cache.Get(tempID)
	require.True(t, ok)
	assert.Equal(t, 30, got.Minutes)
	assert.Nil(t, p.saved)
}

func TestApplyLocal(t *testing.T) {
	note := "x"
	e := event("srv-1", toil.EventAdd, 30, toil.StatusPending, time.Now())
	e.Note = &note

	empty := ""
	typ := toil.EventTake
	ts := "2026-01-02T03:04:05Z"
	got := applyLocal(e, toil.Patch{Note: &empty, Type: &typ, Timestamp: &ts})

	assert.Nil(t, got.Note)
	assert.Equal(t, toil.EventTake, got.Type)
	assert.Equal(t, 2026, got.Timestamp.Year())
	assert.Equal(t, 30, got.Minutes)
}
