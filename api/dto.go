/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIMESTAMPS:
  Every instant is rendered by toil.FormatTimestamp (ISO 8601, UTC,
  milliseconds). Absent values are JSON null, never omitted.

VALIDATION:
  Validation is done by toil.Service, not in DTOs. DTOs are pure data
  carriers; pointer fields distinguish "absent" from "zero".

SEE ALSO:
  - handlers.go: Uses these types
  - client/: Decodes the same shapes
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateEventRequest is the body of POST /api/toil/events.
type CreateEventRequest struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Minutes   int    `json:"minutes"`
	Note      string `json:"note"`
}

// UpdateEventRequest is the body of PUT /api/toil/events/{id}. Absent
// fields are left unchanged; an empty note clears it.
type UpdateEventRequest struct {
	Timestamp *string `json:"timestamp"`
	Type      *string `json:"type"`
	Minutes   *int    `json:"minutes"`
	Note      *string `json:"note"`
}

// SetRoleRequest is the body of PUT /api/user/role.
type SetRoleRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// PromoteUserRequest is the body of POST /api/admin/promote-user.
type PromoteUserRequest struct {
	Email string `json:"email"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EventDTO represents a TOIL event in API responses.
type EventDTO struct {
	ID                string  `json:"id"`
	Timestamp         string  `json:"timestamp"`
	Type              string  `json:"type"`
	Minutes           int     `json:"minutes"`
	Note              *string `json:"note"`
	Status            string  `json:"status"`
	ApprovedBy        *string `json:"approved_by"`
	ApprovalTimestamp *string `json:"approval_timestamp"`
	CreatedAt         string  `json:"created_at"`
}

// PendingEventDTO is an event in the manager review queue.
type PendingEventDTO struct {
	EventDTO
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// BalanceDTO carries both balance views plus display helpers.
type BalanceDTO struct {
	Balance     int `json:"balance"`
	AddMinutes  int `json:"addMinutes"`
	TakeMinutes int `json:"takeMinutes"`

	AvailableBalance     int `json:"availableBalance"`
	AvailableAddMinutes  int `json:"availableAddMinutes"`
	AvailableTakeMinutes int `json:"availableTakeMinutes"`

	BalanceHours            decimal.Decimal `json:"balanceHours"`
	AvailableBalanceHours   decimal.Decimal `json:"availableBalanceHours"`
	BalanceDisplay          string          `json:"balanceDisplay"`
	AvailableBalanceDisplay string          `json:"availableBalanceDisplay"`
}

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RoleDTO is the response of GET /api/user/role.
type RoleDTO struct {
	Role string `json:"role"`
}

// SetRoleResponse is the response of PUT /api/user/role.
type SetRoleResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEventDTO(e toil.Event) EventDTO {
	dto := EventDTO{
		ID:         e.ID,
		Timestamp:  toil.FormatTimestamp(e.Timestamp),
		Type:       string(e.Type),
		Minutes:    e.Minutes,
		Note:       e.Note,
		Status:     string(e.Status),
		ApprovedBy: e.ApprovedBy,
		CreatedAt:  toil.FormatTimestamp(e.CreatedAt),
	}
	if e.ApprovalTimestamp != nil {
		ts := toil.FormatTimestamp(*e.ApprovalTimestamp)
		dto.ApprovalTimestamp = &ts
	}
	return dto
}

func toEventDTOs(events []toil.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	return dtos
}

func toPendingEventDTOs(events []toil.PendingEvent) []PendingEventDTO {
	dtos := make([]PendingEventDTO, len(events))
	for i, pe := range events {
		dtos[i] = PendingEventDTO{
			EventDTO:  toEventDTO(pe.Event),
			UserID:    pe.Owner,
			UserName:  pe.OwnerName,
			UserEmail: pe.OwnerEmail,
		}
	}
	return dtos
}

func toBalanceDTO(b toil.Balance) BalanceDTO {
	return BalanceDTO{
		Balance:                 b.Total.Net(),
		AddMinutes:              b.Total.AddMinutes,
		TakeMinutes:             b.Total.TakeMinutes,
		AvailableBalance:        b.Available.Net(),
		AvailableAddMinutes:     b.Available.AddMinutes,
		AvailableTakeMinutes:    b.Available.TakeMinutes,
		BalanceHours:            toil.Hours(b.Total.Net()),
		AvailableBalanceHours:   toil.Hours(b.Available.Net()),
		BalanceDisplay:          toil.FormatMinutes(b.Total.Net()),
		AvailableBalanceDisplay: toil.FormatMinutes(b.Available.Net()),
	}
}

func toUserDTO(u toil.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role)}
}

// toPatch converts the wire body into a ledger patch. Type strings are
// passed through unvalidated; the service rejects unknown values.
func (req UpdateEventRequest) toPatch() toil.Patch {
	p := toil.Patch{
		Timestamp: req.Timestamp,
		Minutes:   req.Minutes,
		Note:      req.Note,
	}
	if req.Type != nil {
		t := toil.EventType(*req.Type)
		p.Type = &t
	}
	return p
}
