/*
store.go - Persistence interfaces for events and users

PURPOSE:
  Defines the boundary between the ledger service and the database.
  The event table is the only shared mutable resource in the system.

CONDITIONAL WRITES:
  Every mutation is a single atomic read-modify-write against one row:
  - UpdateEvent / DeleteEvent are scoped by (id, owner) and conditioned on
    the status the caller expects to find.
  - TransitionEvent is scoped by id and conditioned on the prior status.
  A row that exists with a different status yields *TransitionError.
  A row that does not exist under the scope yields ErrNotFound.

  The store itself does not decide which status is required; that is policy
  and lives in the service.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (production)
  - store/memory: In-memory (tests, dev)
*/
package toil

import (
	"context"
	"time"
)

// EventStore persists TOIL events.
type EventStore interface {
	// CreateEvent inserts a new event.
	CreateEvent(ctx context.Context, e Event) error

	// GetEvent returns the event with the given id or ErrNotFound.
	GetEvent(ctx context.Context, id string) (Event, error)

	// GetOwnedEvent returns the event only if it belongs to owner.
	GetOwnedEvent(ctx context.Context, id, owner string) (Event, error)

	// ListEventsByOwner returns all of owner's events, newest timestamp first.
	ListEventsByOwner(ctx context.Context, owner string) ([]Event, error)

	// ListPendingEvents returns every PENDING event, newest timestamp first,
	// with the owner's name and email attached.
	ListPendingEvents(ctx context.Context) ([]PendingEvent, error)

	// UpdateEvent applies changes if (id, owner) exists with status expect.
	UpdateEvent(ctx context.Context, id, owner string, expect Status, c Changes) (Event, error)

	// DeleteEvent removes the event if (id, owner) exists with status expect.
	DeleteEvent(ctx context.Context, id, owner string, expect Status) error

	// TransitionEvent moves the event from one status to another and stamps
	// the approver, only if its current status is from.
	TransitionEvent(ctx context.Context, id string, from, to Status, approver string, at time.Time) (Event, error)
}

// UserStore reads and administers user records.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	SaveUser(ctx context.Context, u User) error
	SetUserRole(ctx context.Context, id string, role Role) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Store combines both interfaces; both bundled implementations satisfy it.
type Store interface {
	EventStore
	UserStore
}
