/*
Package sqlite provides a SQLite-backed implementation of toil.Store.

PURPOSE:
  Persists TOIL events and the user records the access gate reads. The same
  SQL works on PostgreSQL apart from placeholder syntax.

KEY TABLES:
  toil_events: One row per ADD/TAKE event, including approval stamp
  users:       id, name, email, role (user | manager)

CONDITIONAL WRITES:
  Every mutation is a single UPDATE/DELETE whose WHERE clause carries the
  scope and the expected prior status:

    UPDATE toil_events SET status = ?, approved_by = ?, approval_timestamp = ?
     WHERE id = ? AND status = ?

  Zero affected rows means either the row is missing (ErrNotFound) or its
  status has moved on (*toil.TransitionError). The second lookup that tells
  these apart runs under the same write lock.

  CHECK constraints back the domain invariants: minutes > 0, known enum
  values, approver fields set iff status != PENDING.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so that ORDER BY on
  the text column is chronological.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases coherent.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/toil.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := toil.NewService(store)

SEE ALSO:
  - toil/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/toil-ledger/toil"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements toil.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ toil.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'manager')),
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
		ON users(email COLLATE NOCASE) WHERE email <> '';

	CREATE TABLE IF NOT EXISTS toil_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('ADD', 'TAKE')),
		minutes INTEGER NOT NULL CHECK (minutes > 0),
		note TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED')),
		approved_by TEXT,
		approval_timestamp TEXT,
		created_at TEXT NOT NULL,
		CHECK (
			(status = 'PENDING' AND approved_by IS NULL AND approval_timestamp IS NULL) OR
			(status <> 'PENDING' AND approved_by IS NOT NULL AND approval_timestamp IS NOT NULL)
		)
	);

	-- Owner history and balance (hot path)
	CREATE INDEX IF NOT EXISTS idx_toil_events_user_timestamp
		ON toil_events(user_id, timestamp DESC);

	-- Manager review queue
	CREATE INDEX IF NOT EXISTS idx_toil_events_status_timestamp
		ON toil_events(status, timestamp DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset deletes all rows. Only used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM toil_events"); err != nil {
		return fmt.Errorf("failed to reset events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("failed to reset users: %w", err)
	}
	return nil
}

// =============================================================================
// EVENT STORE (toil.EventStore interface)
// =============================================================================

const eventColumns = `id, user_id, timestamp, type, minutes, note, status,
	approved_by, approval_timestamp, created_at`

// CreateEvent inserts a new event.
func (s *Store) CreateEvent(ctx context.Context, e toil.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO toil_events
		(id, user_id, timestamp, type, minutes, note, status, approved_by, approval_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Owner,
		formatTime(e.Timestamp),
		string(e.Type),
		e.Minutes,
		nullStringPtr(e.Note),
		string(e.Status),
		nullStringPtr(e.ApprovedBy),
		nullTimePtr(e.ApprovalTimestamp),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &toil.ValidationError{Field: "id", Message: "already exists"}
		}
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (toil.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getEvent(ctx, "id = ?", id)
}

// GetOwnedEvent returns an event by id only if it belongs to owner.
func (s *Store) GetOwnedEvent(ctx context.Context, id, owner string) (toil.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getEvent(ctx, "id = ? AND user_id = ?", id, owner)
}

// getEvent runs without locking; callers hold s.mu.
func (s *Store) getEvent(ctx context.Context, where string, args ...any) (toil.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM toil_events WHERE "+where, args...)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return toil.Event{}, toil.ErrNotFound
	}
	if err != nil {
		return toil.Event{}, err
	}
	return e, nil
}

// ListEventsByOwner returns an owner's events, newest timestamp first.
func (s *Store) ListEventsByOwner(ctx context.Context, owner string) ([]toil.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + eventColumns + `
		FROM toil_events
		WHERE user_id = ?
		ORDER BY timestamp DESC, created_at DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []toil.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListPendingEvents returns the manager review queue. Owners without a user
// row still appear, with empty name and email.
func (s *Store) ListPendingEvents(ctx context.Context) ([]toil.PendingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT e.id, e.user_id, e.timestamp, e.type, e.minutes, e.note, e.status,
		       e.approved_by, e.approval_timestamp, e.created_at,
		       COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM toil_events e
		LEFT JOIN users u ON u.id = e.user_id
		WHERE e.status = 'PENDING'
		ORDER BY e.timestamp DESC, e.created_at DESC, e.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	pending := []toil.PendingEvent{}
	for rows.Next() {
		var pe toil.PendingEvent
		e, err := scanEvent(rows, &pe.OwnerName, &pe.OwnerEmail)
		if err != nil {
			return nil, err
		}
		pe.Event = e
		pending = append(pending, pe)
	}
	return pending, rows.Err()
}

// UpdateEvent applies owner changes if (id, owner) exists with status expect.
func (s *Store) UpdateEvent(ctx context.Context, id, owner string, expect toil.Status, c toil.Changes) (toil.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if c.Timestamp != nil {
		sets = append(sets, "timestamp = ?")
		args = append(args, formatTime(*c.Timestamp))
	}
	if c.Type != nil {
		sets = append(sets, "type = ?")
		args = append(args, string(*c.Type))
	}
	if c.Minutes != nil {
		sets = append(sets, "minutes = ?")
		args = append(args, *c.Minutes)
	}
	if c.SetNote {
		sets = append(sets, "note = ?")
		args = append(args, nullStringPtr(c.Note))
	}

	if len(sets) > 0 {
		query := "UPDATE toil_events SET " + strings.Join(sets, ", ") +
			" WHERE id = ? AND user_id = ? AND status = ?"
		args = append(args, id, owner, string(expect))

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return toil.Event{}, fmt.Errorf("failed to update event %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return toil.Event{}, fmt.Errorf("failed to update event %s: %w", id, err)
		} else if n == 0 {
			return toil.Event{}, s.classifyMiss(ctx, id, owner, expect, expect)
		}
	}

	e, err := s.getEvent(ctx, "id = ? AND user_id = ?", id, owner)
	if err != nil {
		return toil.Event{}, err
	}
	if len(sets) == 0 && e.Status != expect {
		return toil.Event{}, &toil.TransitionError{EventID: id, From: e.Status, To: expect}
	}
	return e, nil
}

// DeleteEvent removes the event if (id, owner) exists with status expect.
func (s *Store) DeleteEvent(ctx context.Context, id, owner string, expect toil.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM toil_events WHERE id = ? AND user_id = ? AND status = ?",
		id, owner, string(expect),
	)
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, id, owner, expect, expect)
	}
	return nil
}

// TransitionEvent stamps the approval if the event's status is still from.
func (s *Store) TransitionEvent(ctx context.Context, id string, from, to toil.Status, approver string, at time.Time) (toil.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE toil_events
		SET status = ?, approved_by = ?, approval_timestamp = ?
		WHERE id = ? AND status = ?
	`, string(to), approver, formatTime(at), id, string(from))
	if err != nil {
		return toil.Event{}, fmt.Errorf("failed to transition event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return toil.Event{}, fmt.Errorf("failed to transition event %s: %w", id, err)
	}
	if n == 0 {
		return toil.Event{}, s.classifyMiss(ctx, id, "", from, to)
	}
	return s.getEvent(ctx, "id = ?", id)
}

// classifyMiss explains why a conditional write touched no rows. An empty
// owner means the write was not ownership scoped.
func (s *Store) classifyMiss(ctx context.Context, id, owner string, expect, to toil.Status) error {
	var (
		e   toil.Event
		err error
	)
	if owner == "" {
		e, err = s.getEvent(ctx, "id = ?", id)
	} else {
		e, err = s.getEvent(ctx, "id = ? AND user_id = ?", id, owner)
	}
	if err != nil {
		return err
	}
	if e.Status != expect {
		return &toil.TransitionError{EventID: id, From: e.Status, To: to}
	}
	return fmt.Errorf("event %s: conditional write affected no rows", id)
}

// =============================================================================
// USER STORE (toil.UserStore interface)
// =============================================================================

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (toil.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUser(ctx, "id = ?", id)
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (toil.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUser(ctx, "email = ? COLLATE NOCASE", email)
}

func (s *Store) getUser(ctx context.Context, where string, args ...any) (toil.User, error) {
	var (
		u         toil.User
		role      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, role, created_at FROM users WHERE "+where, args...,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return toil.User{}, toil.ErrNotFound
	}
	if err != nil {
		return toil.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = toil.Role(role)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return toil.User{}, err
	}
	return u, nil
}

// SaveUser inserts or updates a user.
func (s *Store) SaveUser(ctx context.Context, u toil.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Role == "" {
		u.Role = toil.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO users (id, name, email, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Name, u.Email, string(u.Role), formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &toil.ValidationError{Field: "email", Message: "already in use"}
		}
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, id string, role toil.Role) (toil.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE users SET role = ? WHERE id = ?", string(role), id)
	if err != nil {
		return toil.User{}, fmt.Errorf("failed to set role for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return toil.User{}, fmt.Errorf("failed to set role for %s: %w", id, err)
	}
	if n == 0 {
		return toil.User{}, toil.ErrNotFound
	}
	return s.getUser(ctx, "id = ?", id)
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]toil.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, role, created_at FROM users ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []toil.User
	for rows.Next() {
		var (
			u         toil.User
			role      string
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Role = toil.Role(role)
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads eventColumns followed by any extra destinations.
func scanEvent(row scanner, extra ...any) (toil.Event, error) {
	var (
		e                 toil.Event
		timestamp         string
		eventType         string
		note              sql.NullString
		status            string
		approvedBy        sql.NullString
		approvalTimestamp sql.NullString
		createdAt         string
	)

	dest := []any{
		&e.ID, &e.Owner, &timestamp, &eventType, &e.Minutes, &note, &status,
		&approvedBy, &approvalTimestamp, &createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	var err error
	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	e.Type = toil.EventType(eventType)
	e.Status = toil.Status(status)
	if note.Valid {
		e.Note = &note.String
	}
	if approvedBy.Valid {
		e.ApprovedBy = &approvedBy.String
	}
	if approvalTimestamp.Valid {
		t, err := parseTime(approvalTimestamp.String)
		if err != nil {
			return e, err
		}
		e.ApprovalTimestamp = &t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
