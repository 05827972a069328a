/*
Package toil implements the Time Off In Lieu ledger.

PURPOSE:
  Users log time they earned (ADD) or spent (TAKE). Managers approve or
  reject each event exactly once. Balances are never stored: they are
  recomputed from the owner's full event history on every read.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: The atomic ledger entry (minutes, type, approval status)
  - EventType: ADD or TAKE
  - Status: PENDING -> APPROVED | REJECTED (one-way)
  - User / Role: Read-only view of the auth subsystem's user record

INVARIANTS:
  1. Minutes > 0 for every persisted event
  2. ApprovedBy and ApprovalTimestamp are both set iff Status != PENDING
  3. ID, Owner and CreatedAt never change after creation

SEE ALSO:
  - service.go: Operations exposed to the transport layer
  - balance.go: Dual balance calculation
  - approval.go: Legal status transitions
  - editwindow.go: Owner mutation window
*/
package toil

import "time"

// =============================================================================
// EVENT TYPE
// =============================================================================

// EventType distinguishes earned time from spent time.
type EventType string

const (
	EventAdd  EventType = "ADD"
	EventTake EventType = "TAKE"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t == EventAdd || t == EventTake
}

// Sign returns +1 for ADD and -1 for TAKE.
func (t EventType) Sign() int {
	if t == EventTake {
		return -1
	}
	return 1
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the approval state of an event.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// =============================================================================
// EVENT
// =============================================================================

// Event is a single TOIL ledger entry.
type Event struct {
	ID        string
	Owner     string
	Timestamp time.Time // when the work or time off happened (user supplied)
	Type      EventType
	Minutes   int
	Note      *string
	Status    Status

	// Set together when a manager resolves the event.
	ApprovedBy        *string
	ApprovalTimestamp *time.Time

	CreatedAt time.Time // server assigned; drives the edit window
}

// Resolved reports whether a manager has already approved or rejected the event.
func (e Event) Resolved() bool {
	return e.Status.Terminal()
}

// PendingEvent is an event awaiting review, with the owner's identity attached
// for the manager's queue.
type PendingEvent struct {
	Event
	OwnerName  string
	OwnerEmail string
}

// EventInput carries the fields a user supplies when logging an event.
// Timestamp is kept as text so unparseable values surface as validation errors.
type EventInput struct {
	Timestamp string
	Type      EventType
	Minutes   int
	Note      string
}

// Patch lists the owner-editable fields. Nil fields are left untouched.
// A non-nil empty Note clears the note.
type Patch struct {
	Timestamp *string
	Type      *EventType
	Minutes   *int
	Note      *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Timestamp == nil && p.Type == nil && p.Minutes == nil && p.Note == nil
}

// Changes is a validated Patch, ready to hand to a store.
type Changes struct {
	Timestamp *time.Time
	Type      *EventType
	Minutes   *int
	Note      *string // nil with SetNote clears
	SetNote   bool
}

// Apply returns a copy of e with the changes applied.
func (c Changes) Apply(e Event) Event {
	if c.Timestamp != nil {
		e.Timestamp = *c.Timestamp
	}
	if c.Type != nil {
		e.Type = *c.Type
	}
	if c.Minutes != nil {
		e.Minutes = *c.Minutes
	}
	if c.SetNote {
		e.Note = normalizeNote(c.Note)
	}
	return e
}

// =============================================================================
// USERS & ROLES
// =============================================================================

// Role is the authorization level of a user.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleManager
}

// Satisfies reports whether r grants at least the privileges of required.
func (r Role) Satisfies(required Role) bool {
	switch required {
	case RoleUser:
		return r.Valid()
	case RoleManager:
		return r == RoleManager
	}
	return false
}

// User is the auth subsystem's user record as seen by the ledger.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      Role
	CreatedAt time.Time
}

// RoleTarget identifies the user whose role is being changed, by id or email.
type RoleTarget struct {
	UserID string
	Email  string
}
