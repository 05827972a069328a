package client

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/toil-ledger/toil"
)

// ErrTentative is returned when editing or deleting an event whose create
// has not been answered by the server yet.
var ErrTentative = errors.New("event has not been confirmed by the server yet")

// EventAPI is the part of Client the Ledger drives.
type EventAPI interface {
	ListEvents(ctx context.Context) ([]toil.Event, error)
	CreateEvent(ctx context.Context, in toil.EventInput) (toil.Event, error)
	UpdateEvent(ctx context.Context, id string, p toil.Patch) (toil.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

var _ EventAPI = (*Client)(nil)

// Ledger applies the caller's changes to the cache immediately and then
// settles them against the server.
type Ledger struct {
	API   EventAPI
	Cache *Cache

	now func() time.Time
	log logrus.FieldLogger
}

// NewLedger wires an API and a cache.
func NewLedger(api EventAPI, cache *Cache, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{API: api, Cache: cache, now: time.Now, log: logger}
}

// Refresh replaces the cache with the server's list.
func (l *Ledger) Refresh(ctx context.Context) error {
	events, err := l.API.ListEvents(ctx)
	if err != nil {
		return err
	}
	l.Cache.Replace(events)
	return nil
}

// Events returns the cached events, tentative ones included.
func (l *Ledger) Events() []toil.Event {
	return l.Cache.Events()
}

// Balance returns the locally computed balances.
func (l *Ledger) Balance() toil.Balance {
	return l.Cache.Balance()
}

// Create shows the event locally at once, then replaces it with the server's
// record or drops it if the server refuses.
func (l *Ledger) Create(ctx context.Context, in toil.EventInput) (toil.Event, error) {
	local := toil.Event{
		Type:      in.Type,
		Minutes:   in.Minutes,
		CreatedAt: l.now().UTC(),
	}
	if ts, err := toil.ParseTimestamp(in.Timestamp); err == nil {
		local.Timestamp = ts
	}
	if in.Note != "" {
		note := in.Note
		local.Note = &note
	}
	tempID := l.Cache.AddTentative(local)

	created, err := l.API.CreateEvent(ctx, in)
	if err != nil {
		l.Cache.Discard(tempID)
		l.log.WithError(err).WithField("temp_id", tempID).Debug("Discarded tentative event")
		return toil.Event{}, err
	}
	l.Cache.Confirm(tempID, created)
	return created, nil
}

// Update applies p locally, then replaces the record with the server's copy
// or restores the previous record on failure.
func (l *Ledger) Update(ctx context.Context, id string, p toil.Patch) (toil.Event, error) {
	if l.Cache.IsTentative(id) {
		return toil.Event{}, ErrTentative
	}
	prev, cached := l.Cache.Get(id)
	if cached {
		l.Cache.Put(applyLocal(prev, p))
	}

	updated, err := l.API.UpdateEvent(ctx, id, p)
	if err != nil {
		if cached {
			l.Cache.Put(prev)
		}
		return toil.Event{}, err
	}
	l.Cache.Put(updated)
	return updated, nil
}

// Delete removes the event locally, restoring it if the server refuses.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	if l.Cache.IsTentative(id) {
		return ErrTentative
	}
	prev, cached := l.Cache.Remove(id)

	if err := l.API.DeleteEvent(ctx, id); err != nil {
		if cached {
			l.Cache.Put(prev)
		}
		return err
	}
	return nil
}

// applyLocal is a best-effort preview of p; the server's answer replaces it.
func applyLocal(e toil.Event, p toil.Patch) toil.Event {
	if p.Timestamp != nil {
		if ts, err := toil.ParseTimestamp(*p.Timestamp); err == nil {
			e.Timestamp = ts
		}
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.Minutes != nil {
		e.Minutes = *p.Minutes
	}
	if p.Note != nil {
		if *p.Note == "" {
			e.Note = nil
		} else {
			note := *p.Note
			e.Note = &note
		}
	}
	return e
}
