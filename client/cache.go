package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/toil-ledger/toil"
)

// tentativePrefix marks ids the server has not assigned yet.
const tentativePrefix = "local-"

// Persister stores the confirmed part of a cache between sessions.
type Persister interface {
	Load() ([]toil.Event, error)
	Save(events []toil.Event) error
}

// Cache is the local copy of the caller's events. The in-memory state is
// authoritative for the session; persistence failures are logged and
// otherwise ignored.
type Cache struct {
	mu        sync.RWMutex
	events    map[string]toil.Event
	tentative map[string]bool

	persist Persister
	log     logrus.FieldLogger
}

// NewCache returns a cache backed by p (which may be nil) and primes it from
// p. A load failure leaves the cache empty.
func NewCache(p Persister, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		events:    make(map[string]toil.Event),
		tentative: make(map[string]bool),
		persist:   p,
		log:       logger.WithField("component", "toil-cache"),
	}
	if p != nil {
		events, err := p.Load()
		if err != nil {
			c.log.WithError(err).Warn("Failed to load cached events")
		}
		for _, e := range events {
			c.events[e.ID] = e
		}
	}
	return c
}

// Events returns every cached event, newest timestamp first.
func (c *Cache) Events() []toil.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]toil.Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a cached event.
func (c *Cache) Get(id string) (toil.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[id]
	return e, ok
}

// IsTentative reports whether id is a local record awaiting the server.
func (c *Cache) IsTentative(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tentative[id]
}

// Balance computes both balances from the cached events, tentative ones
// included (they are PENDING).
func (c *Cache) Balance() toil.Balance {
	return toil.Calculate(c.Events())
}

// AddTentative inserts a local record and returns its temporary id.
func (c *Cache) AddTentative(e toil.Event) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.ID = tentativePrefix + uuid.NewString()
	e.Status = toil.StatusPending
	c.events[e.ID] = e
	c.tentative[e.ID] = true
	return e.ID
}

// Confirm replaces a tentative record with the server's record.
func (c *Cache) Confirm(tempID string, authoritative toil.Event) {
	c.mu.Lock()
	delete(c.events, tempID)
	delete(c.tentative, tempID)
	c.events[authoritative.ID] = authoritative
	c.mu.Unlock()

	c.save()
}

// Discard drops a tentative record.
func (c *Cache) Discard(tempID string) {
	c.mu.Lock()
	delete(c.events, tempID)
	delete(c.tentative, tempID)
	c.mu.Unlock()
}

// Put stores e as given, replacing any previous record with the same id. A
// tentative record stays tentative; only Confirm settles it.
func (c *Cache) Put(e toil.Event) {
	c.mu.Lock()
	c.events[e.ID] = e
	c.mu.Unlock()

	c.save()
}

// Remove deletes id and returns what was there.
func (c *Cache) Remove(id string) (toil.Event, bool) {
	c.mu.Lock()
	e, ok := c.events[id]
	delete(c.events, id)
	delete(c.tentative, id)
	c.mu.Unlock()

	if ok {
		c.save()
	}
	return e, ok
}

// Replace swaps the whole cache for the server's list. Pending tentative
// records survive, since their requests are still in flight.
func (c *Cache) Replace(events []toil.Event) {
	c.mu.Lock()
	next := make(map[string]toil.Event, len(events)+len(c.tentative))
	for _, e := range events {
		next[e.ID] = e
	}
	for id := range c.tentative {
		next[id] = c.events[id]
	}
	c.events = next
	c.mu.Unlock()

	c.save()
}

// save persists confirmed records only.
func (c *Cache) save() {
	if c.persist == nil {
		return
	}

	c.mu.RLock()
	confirmed := make([]toil.Event, 0, len(c.events))
	for id, e := range c.events {
		if !c.tentative[id] {
			confirmed = append(confirmed, e)
		}
	}
	c.mu.RUnlock()

	if err := c.persist.Save(confirmed); err != nil {
		c.log.WithError(err).Warn("Failed to persist cached events")
	}
}

// =============================================================================
// FILE PERSISTER
// =============================================================================

// FilePersister keeps the cache as a JSON file.
type FilePersister struct {
	Path string
}

// Load reads the file. A missing file is an empty cache.
func (f FilePersister) Load() ([]toil.Event, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []toil.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return events, nil
}

// Save writes the file atomically via a temp file and rename.
func (f FilePersister) Save(events []toil.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
