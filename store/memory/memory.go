// Package memory provides an in-memory toil.Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps events and users in maps guarded by a single RWMutex. Every
// write holds the write lock for the whole read-check-write, which gives the
// same compare-and-swap guarantees as the SQLite store.
type Memory struct {
	mu     sync.RWMutex
	events map[string]toil.Event
	users  map[string]toil.User
}

var _ toil.Store = (*Memory)(nil)

// New returns an empty store.
func New() *Memory {
	return &Memory{
		events: make(map[string]toil.Event),
		users:  make(map[string]toil.User),
	}
}

// Reset drops all events and users.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = make(map[string]toil.Event)
	m.users = make(map[string]toil.User)
	return nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) CreateEvent(_ context.Context, e toil.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.ID]; ok {
		return &toil.ValidationError{Field: "id", Message: "already exists"}
	}
	m.events[e.ID] = clone(e)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (toil.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return toil.Event{}, toil.ErrNotFound
	}
	return clone(e), nil
}

func (m *Memory) GetOwnedEvent(_ context.Context, id, owner string) (toil.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.owned(id, owner)
	if !ok {
		return toil.Event{}, toil.ErrNotFound
	}
	return clone(e), nil
}

func (m *Memory) ListEventsByOwner(_ context.Context, owner string) ([]toil.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []toil.Event{}
	for _, e := range m.events {
		if e.Owner == owner {
			result = append(result, clone(e))
		}
	}
	sortNewestFirst(result, func(i int) toil.Event { return result[i] })
	return result, nil
}

func (m *Memory) ListPendingEvents(_ context.Context) ([]toil.PendingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []toil.PendingEvent{}
	for _, e := range m.events {
		if e.Status != toil.StatusPending {
			continue
		}
		pe := toil.PendingEvent{Event: clone(e)}
		if u, ok := m.users[e.Owner]; ok {
			pe.OwnerName = u.Name
			pe.OwnerEmail = u.Email
		}
		result = append(result, pe)
	}
	sortNewestFirst(result, func(i int) toil.Event { return result[i].Event })
	return result, nil
}

func (m *Memory) UpdateEvent(_ context.Context, id, owner string, expect toil.Status, c toil.Changes) (toil.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.owned(id, owner)
	if !ok {
		return toil.Event{}, toil.ErrNotFound
	}
	if e.Status != expect {
		return toil.Event{}, &toil.TransitionError{EventID: id, From: e.Status, To: expect}
	}
	e = c.Apply(e)
	m.events[id] = e
	return clone(e), nil
}

func (m *Memory) DeleteEvent(_ context.Context, id, owner string, expect toil.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.owned(id, owner)
	if !ok {
		return toil.ErrNotFound
	}
	if e.Status != expect {
		return &toil.TransitionError{EventID: id, From: e.Status, To: expect}
	}
	delete(m.events, id)
	return nil
}

func (m *Memory) TransitionEvent(_ context.Context, id string, from, to toil.Status, approver string, at time.Time) (toil.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return toil.Event{}, toil.ErrNotFound
	}
	if e.Status != from {
		return toil.Event{}, &toil.TransitionError{EventID: id, From: e.Status, To: to}
	}
	at = at.UTC()
	e.Status = to
	e.ApprovedBy = &approver
	e.ApprovalTimestamp = &at
	m.events[id] = e
	return clone(e), nil
}

func (m *Memory) owned(id, owner string) (toil.Event, bool) {
	e, ok := m.events[id]
	if !ok || e.Owner != owner {
		return toil.Event{}, false
	}
	return e, true
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id string) (toil.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return toil.User{}, toil.ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (toil.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return toil.User{}, toil.ErrNotFound
}

func (m *Memory) SaveUser(_ context.Context, u toil.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Role == "" {
		u.Role = toil.RoleUser
	}
	if u.Email != "" {
		for id, other := range m.users {
			if id != u.ID && strings.EqualFold(other.Email, u.Email) {
				return &toil.ValidationError{Field: "email", Message: "already in use"}
			}
		}
	}
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SetUserRole(_ context.Context, id string, role toil.Role) (toil.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return toil.User{}, toil.ErrNotFound
	}
	u.Role = role
	m.users[id] = u
	return u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]toil.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]toil.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// clone copies the pointer fields so callers cannot mutate stored state.
func clone(e toil.Event) toil.Event {
	if e.Note != nil {
		n := *e.Note
		e.Note = &n
	}
	if e.ApprovedBy != nil {
		a := *e.ApprovedBy
		e.ApprovedBy = &a
	}
	if e.ApprovalTimestamp != nil {
		t := *e.ApprovalTimestamp
		e.ApprovalTimestamp = &t
	}
	return e
}

// sortNewestFirst orders by timestamp desc, then created_at desc, then id,
// matching the SQLite ORDER BY.
func sortNewestFirst[T any](s []T, at func(i int) toil.Event) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := at(i), at(j)
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
