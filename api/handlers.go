/*
handlers.go - HTTP API handlers for the TOIL ledger

PURPOSE:
  Exposes toil.Service via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every decision to the service.

ENDPOINTS:
  Events (owner):
    GET    /api/toil/events              List own events, newest first
    POST   /api/toil/events              Log an ADD/TAKE event (PENDING)
    GET    /api/toil/events/{id}         Get event (owner or manager)
    PUT    /api/toil/events/{id}         Edit a PENDING event created today
    DELETE /api/toil/events/{id}         Undo a PENDING event created today
    GET    /api/toil/balance             Total and available balance

  Review (manager):
    GET    /api/toil/events/pending      Review queue
    PUT    /api/toil/events/{id}/approve Approve
    PUT    /api/toil/events/{id}/reject  Reject

  Roles:
    GET    /api/user/role                Caller's role
    PUT    /api/user/role                Set a user's role (manager)
    POST   /api/admin/promote-user       Promote by email (manager)

  Scenarios (dev only):
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Load a demo scenario

REQUEST FLOW:
  1. Authenticate (middleware.go) and read the caller from context
  2. Decode the body
  3. Call toil.Service
  4. Serialize response or map the error

ERROR HANDLING:
  Errors are returned as JSON {"error", "code", "details"}:
  - 400: validation_error, edit_window_expired, invalid body
  - 401: unauthenticated
  - 403: forbidden
  - 404: not_found
  - 409: invalid_transition
  - 500: internal (details never leak)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ScenarioStore is the store surface demo scenarios need on top of the
// ledger interfaces.
type ScenarioStore interface {
	toil.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *toil.Service
	Store   ScenarioStore
	Log     logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *toil.Service, store ScenarioStore, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Service: svc,
		Store:   store,
		Log:     logger,
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents returns the caller's events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	events, err := h.Service.ListEvents(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// CreateEvent logs a new PENDING event for the caller.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := currentUser(r)
	e, err := h.Service.Create(r.Context(), user.ID, toil.EventInput{
		Timestamp: req.Timestamp,
		Type:      toil.EventType(req.Type),
		Minutes:   req.Minutes,
		Note:      req.Note,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(e))
}

// GetEvent returns one event visible to the caller.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	e, err := h.Service.Get(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// UpdateEvent edits the caller's PENDING event.
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := currentUser(r)
	e, err := h.Service.Update(r.Context(), user.ID, chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// DeleteEvent removes the caller's PENDING event.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := h.Service.Delete(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetBalance returns the caller's balances.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	b, err := h.Service.Balance(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// REVIEW HANDLERS
// =============================================================================

// ListPendingEvents returns the manager review queue.
func (h *Handler) ListPendingEvents(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	events, err := h.Service.ListPending(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingEventDTOs(events))
}

// ApproveEvent approves a PENDING event.
func (h *Handler) ApproveEvent(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	e, err := h.Service.Approve(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// RejectEvent rejects a PENDING event.
func (h *Handler) RejectEvent(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	e, err := h.Service.Reject(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// =============================================================================
// ROLE HANDLERS
// =============================================================================

// GetRole returns the caller's role.
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	role, err := h.Service.Role(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RoleDTO{Role: string(role)})
}

// SetRole changes a user's role, addressed by id or email.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := currentUser(r)
	updated, err := h.Service.SetRole(r.Context(), user.ID,
		toil.RoleTarget{UserID: req.UserID, Email: req.Email},
		toil.Role(req.Role),
	)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetRoleResponse{
		Success: true,
		UserID:  updated.ID,
		Role:    string(updated.Role),
	})
}

// PromoteUser grants the manager role to the user with the given email.
func (h *Handler) PromoteUser(w http.ResponseWriter, r *http.Request) {
	var req PromoteUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := currentUser(r)
	updated, err := h.Service.SetRole(r.Context(), user.ID,
		toil.RoleTarget{Email: req.Email},
		toil.RoleManager,
	)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]UserDTO{"user": toUserDTO(updated)})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body", err.Error())
		return false
	}
	return true
}

// statusForError maps the ledger's error taxonomy to HTTP.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, toil.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, toil.ErrEditWindowExpired):
		return http.StatusBadRequest, "edit_window_expired"
	case errors.Is(err, toil.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, toil.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, toil.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// respondError writes err. Internal errors are logged with the request id
// and answered with an opaque message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)

	switch status {
	case http.StatusInternalServerError:
		requestLogger(h.Log, r).WithError(err).Error("Request failed")
		writeError(w, status, code, "Internal server error", nil)
	case http.StatusNotFound:
		writeError(w, status, code, "Not found", nil)
	case http.StatusForbidden:
		writeError(w, status, code, "Manager role required", nil)
	default:
		var ve *toil.ValidationError
		if errors.As(err, &ve) {
			writeError(w, status, code, ve.Error(), map[string]string{
				"field":   ve.Field,
				"message": ve.Message,
			})
			return
		}
		writeError(w, status, code, err.Error(), nil)
	}
}
