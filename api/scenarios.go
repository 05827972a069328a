/*
scenarios.go - Demo scenario loaders for local development

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	TOIL data for demos and manual testing. Each scenario creates users
	and events directly through the store so that it can backdate
	creation times and pre-resolve events.

AVAILABLE SCENARIOS:

	fresh-team:    One user, one manager, no events
	review-queue:  Several users with a mix of pending and resolved events
	stale-edits:   Events created days ago, outside the edit window

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create users with fixed ids (mint tokens with `toild token <id>`)
 3. Insert events, some already APPROVED or REJECTED

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "review-queue"}

NOTE:

	Scenarios reset the store. The routes are only mounted when
	dev.scenarios is enabled in the configuration.

SEE ALSO:
  - server.go: Route registration
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-team",
		Name:        "Fresh Team",
		Description: "One employee and one manager, no TOIL logged yet",
	},
	{
		ID:          "review-queue",
		Name:        "Review Queue",
		Description: "Three employees with pending, approved and rejected events",
	},
	{
		ID:          "stale-edits",
		Name:        "Stale Edits",
		Description: "Pending events created days ago that owners can no longer change",
	},
}

// Fixed ids so tokens survive reloading a scenario.
const (
	demoManagerID = "demo-manager"
	demoAliceID   = "demo-alice"
	demoBobID     = "demo-bob"
	demoCarolID   = "demo-carol"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var loader func(context.Context, time.Time) error
	switch req.ScenarioID {
	case "fresh-team":
		loader = h.loadFreshTeamScenario
	case "review-queue":
		loader = h.loadReviewQueueScenario
	case "stale-edits":
		loader = h.loadStaleEditsScenario
	default:
		writeError(w, http.StatusBadRequest, "validation_error", "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.respondError(w, r, fmt.Errorf("reset store: %w", err))
		return
	}
	if err := loader(ctx, h.Service.Now()); err != nil {
		h.respondError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}

	requestLogger(h.Log, r).WithField("scenario", req.ScenarioID).Info("Scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"users":    dtos,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFreshTeamScenario(ctx context.Context, now time.Time) error {
	return h.seedUsers(ctx, now,
		toil.User{ID: demoManagerID, Name: "Morgan Manager", Email: "morgan@example.com", Role: toil.RoleManager},
		toil.User{ID: demoAliceID, Name: "Alice Example", Email: "alice@example.com"},
	)
}

func (h *Handler) loadReviewQueueScenario(ctx context.Context, now time.Time) error {
	if err := h.seedUsers(ctx, now,
		toil.User{ID: demoManagerID, Name: "Morgan Manager", Email: "morgan@example.com", Role: toil.RoleManager},
		toil.User{ID: demoAliceID, Name: "Alice Example", Email: "alice@example.com"},
		toil.User{ID: demoBobID, Name: "Bob Example", Email: "bob@example.com"},
		toil.User{ID: demoCarolID, Name: "Carol Example", Email: "carol@example.com"},
	); err != nil {
		return err
	}

	day := 24 * time.Hour
	events := []toil.Event{
		// Alice: approved overtime, one pending, one rejected take
		demoEvent("demo-a1", demoAliceID, now.Add(-6*day), toil.EventAdd, 120, "Release night", now.Add(-6*day)),
		demoEvent("demo-a2", demoAliceID, now.Add(-2*day), toil.EventAdd, 90, "Incident follow-up", now.Add(-2*day)),
		demoEvent("demo-a3", demoAliceID, now.Add(-1*day), toil.EventTake, 45, "", now.Add(-1*day)),
		// Bob: logged today, still editable
		demoEvent("demo-b1", demoBobID, now.Add(-2*time.Hour), toil.EventAdd, 60, "Weekend deploy", now),
		demoEvent("demo-b2", demoBobID, now.Add(-3*day), toil.EventTake, 30, "Dentist", now.Add(-3*day)),
		// Carol: nothing pending
		demoEvent("demo-c1", demoCarolID, now.Add(-10*day), toil.EventAdd, 240, "Conference travel", now.Add(-10*day)),
	}
	resolve(&events[0], toil.StatusApproved, demoManagerID, now.Add(-5*day))
	resolve(&events[2], toil.StatusRejected, demoManagerID, now.Add(-1*day))
	resolve(&events[4], toil.StatusApproved, demoManagerID, now.Add(-2*day))
	resolve(&events[5], toil.StatusApproved, demoManagerID, now.Add(-9*day))

	return h.seedEvents(ctx, events)
}

func (h *Handler) loadStaleEditsScenario(ctx context.Context, now time.Time) error {
	if err := h.seedUsers(ctx, now,
		toil.User{ID: demoManagerID, Name: "Morgan Manager", Email: "morgan@example.com", Role: toil.RoleManager},
		toil.User{ID: demoAliceID, Name: "Alice Example", Email: "alice@example.com"},
	); err != nil {
		return err
	}

	day := 24 * time.Hour
	return h.seedEvents(ctx, []toil.Event{
		demoEvent("demo-s1", demoAliceID, now.Add(-2*day), toil.EventAdd, 75, "Logged two days ago", now.Add(-2*day)),
		demoEvent("demo-s2", demoAliceID, now.Add(-1*day), toil.EventTake, 30, "Logged yesterday", now.Add(-1*day)),
		demoEvent("demo-s3", demoAliceID, now, toil.EventAdd, 15, "Logged today", now),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedUsers(ctx context.Context, now time.Time, users ...toil.User) error {
	for _, u := range users {
		u.CreatedAt = now
		if err := h.Store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("save user %s: %w", u.ID, err)
		}
	}
	h.Log.WithFields(logrus.Fields{"users": len(users)}).Debug("Seeded demo users")
	return nil
}

func (h *Handler) seedEvents(ctx context.Context, events []toil.Event) error {
	for _, e := range events {
		if err := h.Store.CreateEvent(ctx, e); err != nil {
			return fmt.Errorf("create event %s: %w", e.ID, err)
		}
	}
	return nil
}

func demoEvent(id, owner string, ts time.Time, t toil.EventType, minutes int, note string, created time.Time) toil.Event {
	e := toil.Event{
		ID:        id,
		Owner:     owner,
		Timestamp: ts.UTC(),
		Type:      t,
		Minutes:   minutes,
		Status:    toil.StatusPending,
		CreatedAt: created.UTC(),
	}
	if note != "" {
		e.Note = &note
	}
	return e
}

func resolve(e *toil.Event, to toil.Status, approver string, at time.Time) {
	at = at.UTC()
	e.Status = to
	e.ApprovedBy = &approver
	e.ApprovalTimestamp = &at
}
