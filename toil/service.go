/*
service.go - Ledger operations exposed to the transport layer

PURPOSE:
  Orchestrates the store, the approval state machine, the edit window and
  the access gate. Handlers call only this type.

ORDER OF CHECKS:
  Owner mutations (Update, Delete):
    1. Ownership-scoped lookup        -> ErrNotFound
    2. Edit window                    -> ErrEditWindowExpired
    3. Event still PENDING            -> ErrInvalidTransition
    4. Field validation               -> ErrValidation
    5. Conditional write (expect PENDING)

  Manager operations (ListPending, Approve, Reject, SetRole):
    1. Gate                           -> ErrForbidden
    2. Everything else

FAILURES:
  Client errors are logged at warn level. Store failures are logged at error
  level with the operation, actor and event id, then returned unchanged.
  Nothing is retried here.
*/
package toil

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Recorder receives ledger metrics. See the metrics package.
type Recorder interface {
	EventCreated(t EventType)
	EventResolved(s Status)
	EventDeleted()
	OperationFailed(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) EventCreated(EventType)        {}
func (nopRecorder) EventResolved(Status)          {}
func (nopRecorder) EventDeleted()                 {}
func (nopRecorder) OperationFailed(string, error) {}

// Service is the TOIL ledger.
type Service struct {
	Events EventStore
	Users  UserStore
	Gate   *Gate
	Window EditWindow

	now     func() time.Time
	newID   func() string
	log     logrus.FieldLogger
	metrics Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the server clock used for CreatedAt, approval stamps
// and the edit window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// NewService wires a ledger over a combined store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		Events:  store,
		Users:   store,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     logrus.StandardLogger(),
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Gate = NewGate(s.Users)
	s.Window = NewEditWindow(s.now)
	return s
}

// Now returns the service clock's current time in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// =============================================================================
// OWNER OPERATIONS
// =============================================================================

// Create logs a new PENDING event for owner.
func (s *Service) Create(ctx context.Context, owner string, in EventInput) (Event, error) {
	const op = "create_event"

	ts, err := validateInput(in)
	if err != nil {
		return Event{}, s.fail(op, owner, "", err)
	}

	e := Event{
		ID:        s.newID(),
		Owner:     owner,
		Timestamp: ts,
		Type:      in.Type,
		Minutes:   in.Minutes,
		Note:      normalizeNote(&in.Note),
		Status:    StatusPending,
		CreatedAt: s.Now(),
	}
	if err := s.Events.CreateEvent(ctx, e); err != nil {
		return Event{}, s.fail(op, owner, e.ID, err)
	}

	s.metrics.EventCreated(e.Type)
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"actor":     owner,
		"event_id":  e.ID,
		"type":      e.Type,
		"minutes":   e.Minutes,
	}).Info("TOIL event created")
	return e, nil
}

// ListEvents returns owner's events, newest timestamp first.
func (s *Service) ListEvents(ctx context.Context, owner string) ([]Event, error) {
	events, err := s.Events.ListEventsByOwner(ctx, owner)
	if err != nil {
		return nil, s.fail("list_events", owner, "", err)
	}
	return events, nil
}

// Get returns an event visible to requester: their own, or any event if they
// are a manager. Everything else is ErrNotFound.
func (s *Service) Get(ctx context.Context, requester, id string) (Event, error) {
	const op = "get_event"

	e, err := s.Events.GetEvent(ctx, id)
	if err != nil {
		return Event{}, s.fail(op, requester, id, err)
	}
	if e.Owner == requester {
		return e, nil
	}
	manager, err := s.Gate.IsManager(ctx, requester)
	if err != nil {
		return Event{}, s.fail(op, requester, id, err)
	}
	if !manager {
		return Event{}, s.fail(op, requester, id, ErrNotFound)
	}
	return e, nil
}

// Update changes the owner-editable fields of an event created today that
// has not been resolved yet.
func (s *Service) Update(ctx context.Context, requester, id string, p Patch) (Event, error) {
	const op = "update_event"

	e, err := s.ownedMutable(ctx, requester, id)
	if err != nil {
		return Event{}, s.fail(op, requester, id, err)
	}
	c, err := validatePatch(p)
	if err != nil {
		return Event{}, s.fail(op, requester, id, err)
	}
	if p.Empty() {
		return e, nil
	}

	updated, err := s.Events.UpdateEvent(ctx, id, requester, StatusPending, c)
	if err != nil {
		return Event{}, s.fail(op, requester, id, err)
	}
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"actor":     requester,
		"event_id":  id,
	}).Info("TOIL event updated")
	return updated, nil
}

// Delete removes a PENDING event created today (undo).
func (s *Service) Delete(ctx context.Context, requester, id string) error {
	const op = "delete_event"

	if _, err := s.ownedMutable(ctx, requester, id); err != nil {
		return s.fail(op, requester, id, err)
	}
	if err := s.Events.DeleteEvent(ctx, id, requester, StatusPending); err != nil {
		return s.fail(op, requester, id, err)
	}

	s.metrics.EventDeleted()
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"actor":     requester,
		"event_id":  id,
	}).Info("TOIL event deleted")
	return nil
}

// ownedMutable runs the lookup, window and status checks shared by Update
// and Delete.
func (s *Service) ownedMutable(ctx context.Context, owner, id string) (Event, error) {
	e, err := s.Events.GetOwnedEvent(ctx, id, owner)
	if err != nil {
		return Event{}, err
	}
	if err := s.Window.Check(e); err != nil {
		return Event{}, err
	}
	if err := requirePending(e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Balance recomputes owner's balances from their full event history.
func (s *Service) Balance(ctx context.Context, owner string) (Balance, error) {
	events, err := s.Events.ListEventsByOwner(ctx, owner)
	if err != nil {
		return Balance{}, s.fail("balance", owner, "", err)
	}
	b := Calculate(events)
	s.log.WithFields(logrus.Fields{
		"operation":         "balance",
		"actor":             owner,
		"balance":           b.Total.Net(),
		"available_balance": b.Available.Net(),
	}).Debug("TOIL balance calculated")
	return b, nil
}

// =============================================================================
// MANAGER OPERATIONS
// =============================================================================

// ListPending returns the review queue.
func (s *Service) ListPending(ctx context.Context, managerID string) ([]PendingEvent, error) {
	const op = "list_pending"

	if _, err := s.Gate.Authorize(ctx, managerID, RoleManager); err != nil {
		return nil, s.fail(op, managerID, "", err)
	}
	events, err := s.Events.ListPendingEvents(ctx)
	if err != nil {
		return nil, s.fail(op, managerID, "", err)
	}
	return events, nil
}

// Approve moves a PENDING event to APPROVED.
func (s *Service) Approve(ctx context.Context, managerID, id string) (Event, error) {
	return s.resolve(ctx, "approve_event", managerID, id, StatusApproved)
}

// Reject moves a PENDING event to REJECTED.
func (s *Service) Reject(ctx context.Context, managerID, id string) (Event, error) {
	return s.resolve(ctx, "reject_event", managerID, id, StatusRejected)
}

func (s *Service) resolve(ctx context.Context, op, managerID, id string, to Status) (Event, error) {
	if _, err := s.Gate.Authorize(ctx, managerID, RoleManager); err != nil {
		return Event{}, s.fail(op, managerID, id, err)
	}
	if err := CheckTransition(id, StatusPending, to); err != nil {
		return Event{}, s.fail(op, managerID, id, err)
	}

	e, err := s.Events.TransitionEvent(ctx, id, StatusPending, to, managerID, s.Now())
	if err != nil {
		return Event{}, s.fail(op, managerID, id, err)
	}

	s.metrics.EventResolved(to)
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"actor":     managerID,
		"event_id":  id,
		"status":    to,
	}).Info("TOIL event resolved")
	return e, nil
}

// =============================================================================
// ROLES
// =============================================================================

// Role returns the caller's own role.
func (s *Service) Role(ctx context.Context, userID string) (Role, error) {
	u, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		return "", s.fail("get_role", userID, "", err)
	}
	return u.Role, nil
}

// SetRole changes another user's role. Only managers may call it, and the
// gate runs before the target is looked up.
func (s *Service) SetRole(ctx context.Context, managerID string, target RoleTarget, role Role) (User, error) {
	const op = "set_role"

	if _, err := s.Gate.Authorize(ctx, managerID, RoleManager); err != nil {
		return User{}, s.fail(op, managerID, "", err)
	}
	if target.UserID == "" && target.Email == "" {
		return User{}, s.fail(op, managerID, "", invalid("userId", "userId or email is required"))
	}
	if !role.Valid() {
		return User{}, s.fail(op, managerID, "", invalid("role", "must be user or manager"))
	}

	var (
		u   User
		err error
	)
	if target.UserID != "" {
		u, err = s.Users.GetUser(ctx, target.UserID)
	} else {
		u, err = s.Users.GetUserByEmail(ctx, target.Email)
	}
	if err != nil {
		return User{}, s.fail(op, managerID, "", err)
	}

	updated, err := s.Users.SetUserRole(ctx, u.ID, role)
	if err != nil {
		return User{}, s.fail(op, managerID, "", err)
	}
	s.log.WithFields(logrus.Fields{
		"operation":      op,
		"actor":          managerID,
		"target_user_id": u.ID,
		"role":           role,
	}).Info("User role updated")
	return updated, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// fail logs err with its context and returns it unchanged.
func (s *Service) fail(op, actor, eventID string, err error) error {
	fields := logrus.Fields{"operation": op, "actor": actor}
	if eventID != "" {
		fields["event_id"] = eventID
	}
	entry := s.log.WithFields(fields).WithError(err)
	if IsClientError(err) {
		entry.Warn("TOIL request rejected")
	} else {
		entry.Error("TOIL operation failed")
	}
	s.metrics.OperationFailed(op, err)
	return err
}

// ErrorKind names the taxonomy bucket of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrEditWindowExpired):
		return "edit_window_expired"
	default:
		return "internal"
	}
}
