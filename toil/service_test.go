package toil_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-ledger/store/memory"
	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type harness struct {
	svc   *toil.Service
	store *memory.Memory
	rec   *recorder
	now   time.Time
}

type recorder struct {
	mu       sync.Mutex
	created  int
	resolved map[toil.Status]int
	deleted  int
	failures map[string]int
}

func (r *recorder) EventCreated(toil.EventType) { r.mu.Lock(); r.created++; r.mu.Unlock() }
func (r *recorder) EventDeleted()               { r.mu.Lock(); r.deleted++; r.mu.Unlock() }
func (r *recorder) EventResolved(s toil.Status) {
	r.mu.Lock()
	r.resolved[s]++
	r.mu.Unlock()
}
func (r *recorder) OperationFailed(op string, err error) {
	r.mu.Lock()
	r.failures[op+":"+toil.ErrorKind(err)]++
	r.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		store: memory.New(),
		rec:   &recorder{resolved: map[toil.Status]int{}, failures: map[string]int{}},
		now:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	h.svc = toil.NewService(h.store,
		toil.WithClock(func() time.Time { return h.now }),
		toil.WithLogger(logger),
		toil.WithRecorder(h.rec),
	)

	ctx := context.Background()
	for _, u := range []toil.User{
		{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		{ID: "mgr", Name: "Morgan", Email: "morgan@example.com", Role: toil.RoleManager},
		{ID: "mgr2", Name: "Sam", Email: "sam@example.com", Role: toil.RoleManager},
	} {
		require.NoError(t, h.store.SaveUser(ctx, u))
	}
	return h
}

func (h *harness) log(t *testing.T, owner string, typ toil.EventType, minutes int) toil.Event {
	t.Helper()
	e, err := h.svc.Create(context.Background(), owner, toil.EventInput{
		Timestamp: toil.FormatTimestamp(h.now),
		Type:      typ,
		Minutes:   minutes,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) balance(t *testing.T, owner string) toil.Balance {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

// =============================================================================
// WORKFLOW SCENARIOS
// =============================================================================

func TestService_ApprovalWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// GIVEN: Alice logs ADD 90 today
	add := h.log(t, "alice", toil.EventAdd, 90)
	assert.Equal(t, toil.StatusPending, add.Status)
	assert.Nil(t, add.ApprovedBy)

	// THEN: It counts toward the total only
	b := h.balance(t, "alice")
	assert.Equal(t, 90, b.Total.AddMinutes)
	assert.Equal(t, 90, b.Total.Net())
	assert.Equal(t, 0, b.Available.Net())

	// WHEN: The manager approves it
	approved, err := h.svc.Approve(ctx, "mgr", add.ID)
	require.NoError(t, err)

	// THEN: It becomes spendable
	assert.Equal(t, toil.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "mgr", *approved.ApprovedBy)
	require.NotNil(t, approved.ApprovalTimestamp)
	assert.True(t, approved.ApprovalTimestamp.Equal(h.now))
	b = h.balance(t, "alice")
	assert.Equal(t, 90, b.Available.Net())
	assert.Equal(t, 90, b.Available.AddMinutes)

	// WHEN: Alice logs TAKE 30 and immediately undoes it
	take := h.log(t, "alice", toil.EventTake, 30)
	require.NoError(t, h.svc.Delete(ctx, "alice", take.ID))

	// THEN: Nothing of it remains
	b = h.balance(t, "alice")
	assert.Equal(t, 90, b.Total.Net())
	assert.Equal(t, 90, b.Available.Net())
	assert.Equal(t, 0, b.Total.TakeMinutes)

	events, err := h.svc.ListEvents(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.Equal(t, 2, h.rec.created)
	assert.Equal(t, 1, h.rec.deleted)
	assert.Equal(t, 1, h.rec.resolved[toil.StatusApproved])
}

func TestService_RejectedTakeCountsNowhere(t *testing.T) {
	h := newHarness(t)

	take := h.log(t, "alice", toil.EventTake, 45)
	_, err := h.svc.Reject(context.Background(), "mgr", take.ID)
	require.NoError(t, err)

	b := h.balance(t, "alice")
	assert.Equal(t, 0, b.Total.TakeMinutes)
	assert.Equal(t, 0, b.Available.TakeMinutes)
}

func TestService_SecondResolutionIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// GIVEN: An event rejected by one manager
	e := h.log(t, "alice", toil.EventAdd, 30)
	first, err := h.svc.Reject(ctx, "mgr", e.ID)
	require.NoError(t, err)

	// WHEN: Another manager approves it later
	h.now = h.now.Add(time.Hour)
	_, err = h.svc.Approve(ctx, "mgr2", e.ID)

	// THEN: The transition is refused and the original stamp is kept
	assert.ErrorIs(t, err, toil.ErrInvalidTransition)
	stored, err := h.svc.Get(ctx, "mgr2", e.ID)
	require.NoError(t, err)
	assert.Equal(t, toil.StatusRejected, stored.Status)
	assert.Equal(t, "mgr", *stored.ApprovedBy)
	assert.True(t, stored.ApprovalTimestamp.Equal(*first.ApprovalTimestamp))
	assert.Equal(t, 1, h.rec.failures["approve_event:invalid_transition"])
}

func TestService_ApproveTwiceKeepsFirstStamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.log(t, "alice", toil.EventAdd, 30)
	first, err := h.svc.Approve(ctx, "mgr", e.ID)
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute)
	_, err = h.svc.Approve(ctx, "mgr", e.ID)
	assert.ErrorIs(t, err, toil.ErrInvalidTransition)

	stored, err := h.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.ApprovalTimestamp.Equal(*first.ApprovalTimestamp))
}

func TestService_EditWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// GIVEN: An event created two days ago
	created := h.now
	e := h.log(t, "alice", toil.EventAdd, 30)
	h.now = created.AddDate(0, 0, 2)

	// WHEN / THEN: Owner changes are refused
	minutes := 60
	_, err := h.svc.Update(ctx, "alice", e.ID, toil.Patch{Minutes: &minutes})
	assert.ErrorIs(t, err, toil.ErrEditWindowExpired)
	assert.ErrorIs(t, h.svc.Delete(ctx, "alice", e.ID), toil.ErrEditWindowExpired)

	// A fresh event on the same day is still editable
	fresh := h.log(t, "alice", toil.EventAdd, 10)
	updated, err := h.svc.Update(ctx, "alice", fresh.ID, toil.Patch{Minutes: &minutes})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.Minutes)
}

func TestService_UpdateFieldsAndNote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	note := "incident"
	e, err := h.svc.Create(ctx, "alice", toil.EventInput{
		Timestamp: "2026-03-09T22:00:00Z", Type: toil.EventAdd, Minutes: 30, Note: note,
	})
	require.NoError(t, err)
	require.NotNil(t, e.Note)

	typ := toil.EventTake
	ts := "2026-03-10T08:00:00+01:00"
	updated, err := h.svc.Update(ctx, "alice", e.ID, toil.Patch{Type: &typ, Timestamp: &ts})
	require.NoError(t, err)
	assert.Equal(t, toil.EventTake, updated.Type)
	assert.Equal(t, 7, updated.Timestamp.Hour())
	require.NotNil(t, updated.Note)

	empty := ""
	updated, err = h.svc.Update(ctx, "alice", e.ID, toil.Patch{Note: &empty})
	require.NoError(t, err)
	assert.Nil(t, updated.Note)

	// An empty patch is a no-op returning the current record
	same, err := h.svc.Update(ctx, "alice", e.ID, toil.Patch{})
	require.NoError(t, err)
	assert.Equal(t, updated.ID, same.ID)
	assert.Equal(t, toil.EventTake, same.Type)
}

func TestService_OwnerChecksOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	zero := 0

	e := h.log(t, "alice", toil.EventAdd, 30)

	// Someone else's event looks missing
	_, err := h.svc.Update(ctx, "bob", e.ID, toil.Patch{Minutes: &zero})
	assert.ErrorIs(t, err, toil.ErrNotFound)
	assert.ErrorIs(t, h.svc.Delete(ctx, "bob", e.ID), toil.ErrNotFound)
	_, err = h.svc.Get(ctx, "bob", e.ID)
	assert.ErrorIs(t, err, toil.ErrNotFound)

	// Resolved events refuse owner changes before field validation runs
	_, err = h.svc.Approve(ctx, "mgr", e.ID)
	require.NoError(t, err)
	_, err = h.svc.Update(ctx, "alice", e.ID, toil.Patch{Minutes: &zero})
	assert.ErrorIs(t, err, toil.ErrInvalidTransition)
	assert.ErrorIs(t, h.svc.Delete(ctx, "alice", e.ID), toil.ErrInvalidTransition)

	// Validation runs last
	fresh := h.log(t, "alice", toil.EventAdd, 30)
	_, err = h.svc.Update(ctx, "alice", fresh.ID, toil.Patch{Minutes: &zero})
	assert.ErrorIs(t, err, toil.ErrValidation)
}

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), "alice", toil.EventInput{
		Timestamp: toil.FormatTimestamp(h.now), Type: toil.EventAdd, Minutes: 0,
	})

	assert.ErrorIs(t, err, toil.ErrValidation)
	assert.Equal(t, 0, h.rec.created)
	assert.Equal(t, 1, h.rec.failures["create_event:validation"])
}

func TestService_OversizedMinutesKeepBalanceSane(t *testing.T) {
	// GIVEN: One event at the largest accepted size
	h := newHarness(t)
	ctx := context.Background()
	h.log(t, "alice", toil.EventAdd, toil.MaxMinutes)

	// WHEN: Values that would overflow a sum are submitted
	for _, minutes := range []int{math.MaxInt, toil.MaxMinutes + 1} {
		_, err := h.svc.Create(ctx, "alice", toil.EventInput{
			Timestamp: toil.FormatTimestamp(h.now), Type: toil.EventAdd, Minutes: minutes,
		})
		assert.ErrorIs(t, err, toil.ErrValidation)
	}
	small := h.log(t, "alice", toil.EventAdd, 1)
	huge := math.MaxInt
	_, err := h.svc.Update(ctx, "alice", small.ID, toil.Patch{Minutes: &huge})
	assert.ErrorIs(t, err, toil.ErrValidation)

	// THEN: The balance only counts the accepted events
	b := h.balance(t, "alice")
	assert.Equal(t, toil.MaxMinutes+1, b.Total.AddMinutes)
	assert.Equal(t, toil.MaxMinutes+1, b.Total.Net())
}

func TestService_ListOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, ts := range []string{"2026-03-08T10:00:00Z", "2026-03-10T10:00:00Z", "2026-03-09T10:00:00Z"} {
		_, err := h.svc.Create(ctx, "alice", toil.EventInput{Timestamp: ts, Type: toil.EventAdd, Minutes: i + 1})
		require.NoError(t, err)
	}
	h.log(t, "bob", toil.EventAdd, 99)

	events, err := h.svc.ListEvents(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int{2, 3, 1}, []int{events[0].Minutes, events[1].Minutes, events[2].Minutes})
}

// =============================================================================
// MANAGER GATE
// =============================================================================

func TestService_NonManagersAreForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.log(t, "bob", toil.EventAdd, 30)

	for _, id := range []string{e.ID, "does-not-exist"} {
		_, err := h.svc.Approve(ctx, "alice", id)
		assert.ErrorIs(t, err, toil.ErrForbidden, id)
		_, err = h.svc.Reject(ctx, "alice", id)
		assert.ErrorIs(t, err, toil.ErrForbidden, id)
	}
	_, err := h.svc.ListPending(ctx, "alice")
	assert.ErrorIs(t, err, toil.ErrForbidden)

	_, err = h.svc.Approve(ctx, "ghost", e.ID)
	assert.ErrorIs(t, err, toil.ErrForbidden)

	stored, err := h.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, toil.StatusPending, stored.Status)
}

func TestService_ListPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.log(t, "alice", toil.EventAdd, 30)
	h.now = h.now.Add(time.Hour)
	h.log(t, "bob", toil.EventTake, 15)
	_, err := h.svc.Approve(ctx, "mgr", a.ID)
	require.NoError(t, err)

	pending, err := h.svc.ListPending(ctx, "mgr")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].Owner)
	assert.Equal(t, "Bob", pending[0].OwnerName)
	assert.Equal(t, "bob@example.com", pending[0].OwnerEmail)
}

func TestService_ConcurrentResolutionHasOneWinner(t *testing.T) {
	h := newHarness(t)
	e := h.log(t, "alice", toil.EventAdd, 30)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.svc.Approve(context.Background(), "mgr", e.ID)
			} else {
				_, err = h.svc.Reject(context.Background(), "mgr2", e.ID)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, toil.ErrInvalidTransition):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, refused)
}

// =============================================================================
// ROLES
// =============================================================================

func TestService_SetRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Gate first: a non-manager learns nothing about the target
	_, err := h.svc.SetRole(ctx, "alice", toil.RoleTarget{Email: "nobody@example.com"}, "wizard")
	assert.ErrorIs(t, err, toil.ErrForbidden)

	// Then validation
	_, err = h.svc.SetRole(ctx, "mgr", toil.RoleTarget{}, toil.RoleManager)
	assert.ErrorIs(t, err, toil.ErrValidation)
	_, err = h.svc.SetRole(ctx, "mgr", toil.RoleTarget{UserID: "alice"}, "wizard")
	assert.ErrorIs(t, err, toil.ErrValidation)

	// Then the target lookup
	_, err = h.svc.SetRole(ctx, "mgr", toil.RoleTarget{Email: "nobody@example.com"}, toil.RoleManager)
	assert.ErrorIs(t, err, toil.ErrNotFound)

	u, err := h.svc.SetRole(ctx, "mgr", toil.RoleTarget{Email: "ALICE@example.com"}, toil.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)

	role, err := h.svc.Role(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, toil.RoleManager, role)

	pending, err := h.svc.ListPending(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// =============================================================================
// STORE FAILURES
// =============================================================================

type brokenStore struct {
	*memory.Memory
}

func (brokenStore) ListEventsByOwner(context.Context, string) ([]toil.Event, error) {
	return nil, fmt.Errorf("read events: %w", io.ErrUnexpectedEOF)
}

func TestService_StoreFailuresPropagate(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := toil.NewService(brokenStore{memory.New()}, toil.WithLogger(logger))

	_, err := svc.Balance(context.Background(), "alice")

	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, toil.IsClientError(err))
	assert.Equal(t, "internal", toil.ErrorKind(err))
}
