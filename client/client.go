/*
Package client talks to a toild server and keeps an offline-friendly local
copy of the caller's events.

PURPOSE:
  - Client: typed wrapper over the HTTP API (resty)
  - Cache:  local event list with tentative records and file persistence
  - Ledger: optimistic operations that write the cache first, then replace
            or discard the local record when the server answers

RECONCILIATION RULE:
  A local change is never merged with a server response. On success the
  tentative record is replaced by the authoritative one; on failure the
  local change is rolled back entirely.

SEE ALSO:
  - api/dto.go: Wire shapes decoded here
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/toil-ledger/toil"
)

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a non-2xx answer from the server. It unwraps to the matching
// toil sentinel so callers can use errors.Is.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("toild %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("toild %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "validation_error":
		return toil.ErrValidation
	case "edit_window_expired":
		return toil.ErrEditWindowExpired
	case "not_found":
		return toil.ErrNotFound
	case "forbidden":
		return toil.ErrForbidden
	case "invalid_transition":
		return toil.ErrInvalidTransition
	}
	return nil
}

// ErrUnauthenticated is returned for 401 responses.
var ErrUnauthenticated = errors.New("unauthenticated")

// =============================================================================
// WIRE TYPES
// =============================================================================

type eventJSON struct {
	ID                string  `json:"id"`
	Timestamp         string  `json:"timestamp"`
	Type              string  `json:"type"`
	Minutes           int     `json:"minutes"`
	Note              *string `json:"note"`
	Status            string  `json:"status"`
	ApprovedBy        *string `json:"approved_by"`
	ApprovalTimestamp *string `json:"approval_timestamp"`
	CreatedAt         string  `json:"created_at"`

	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

func (j eventJSON) event() (toil.Event, error) {
	ts, err := toil.ParseTimestamp(j.Timestamp)
	if err != nil {
		return toil.Event{}, fmt.Errorf("event %s timestamp: %w", j.ID, err)
	}
	created, err := toil.ParseTimestamp(j.CreatedAt)
	if err != nil {
		return toil.Event{}, fmt.Errorf("event %s created_at: %w", j.ID, err)
	}
	e := toil.Event{
		ID:         j.ID,
		Owner:      j.UserID,
		Timestamp:  ts,
		Type:       toil.EventType(j.Type),
		Minutes:    j.Minutes,
		Note:       j.Note,
		Status:     toil.Status(j.Status),
		ApprovedBy: j.ApprovedBy,
		CreatedAt:  created,
	}
	if j.ApprovalTimestamp != nil {
		at, err := toil.ParseTimestamp(*j.ApprovalTimestamp)
		if err != nil {
			return toil.Event{}, fmt.Errorf("event %s approval_timestamp: %w", j.ID, err)
		}
		e.ApprovalTimestamp = &at
	}
	return e, nil
}

type balanceJSON struct {
	Balance              int `json:"balance"`
	AddMinutes           int `json:"addMinutes"`
	TakeMinutes          int `json:"takeMinutes"`
	AvailableBalance     int `json:"availableBalance"`
	AvailableAddMinutes  int `json:"availableAddMinutes"`
	AvailableTakeMinutes int `json:"availableTakeMinutes"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a typed toild API client.
type Client struct {
	http *resty.Client
}

// New returns a client for baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetHeader("Accept", "application/json").
			SetTimeout(15 * time.Second),
	}
}

// ListEvents returns the caller's events, newest first.
func (c *Client) ListEvents(ctx context.Context) ([]toil.Event, error) {
	var out []eventJSON
	if err := c.do(ctx, http.MethodGet, "/api/toil/events", nil, &out); err != nil {
		return nil, err
	}
	return toEvents(out)
}

// CreateEvent logs a new event.
func (c *Client) CreateEvent(ctx context.Context, in toil.EventInput) (toil.Event, error) {
	body := map[string]any{
		"timestamp": in.Timestamp,
		"type":      in.Type,
		"minutes":   in.Minutes,
		"note":      in.Note,
	}
	var out eventJSON
	if err := c.do(ctx, http.MethodPost, "/api/toil/events", body, &out); err != nil {
		return toil.Event{}, err
	}
	return out.event()
}

// UpdateEvent applies a patch to one of the caller's events.
func (c *Client) UpdateEvent(ctx context.Context, id string, p toil.Patch) (toil.Event, error) {
	body := map[string]any{}
	if p.Timestamp != nil {
		body["timestamp"] = *p.Timestamp
	}
	if p.Type != nil {
		body["type"] = *p.Type
	}
	if p.Minutes != nil {
		body["minutes"] = *p.Minutes
	}
	if p.Note != nil {
		body["note"] = *p.Note
	}
	var out eventJSON
	if err := c.do(ctx, http.MethodPut, "/api/toil/events/"+id, body, &out); err != nil {
		return toil.Event{}, err
	}
	return out.event()
}

// DeleteEvent removes one of the caller's events.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/toil/events/"+id, nil, nil)
}

// Balance returns the server-computed balances.
func (c *Client) Balance(ctx context.Context) (toil.Balance, error) {
	var out balanceJSON
	if err := c.do(ctx, http.MethodGet, "/api/toil/balance", nil, &out); err != nil {
		return toil.Balance{}, err
	}
	return toil.Balance{
		Total:     toil.Totals{AddMinutes: out.AddMinutes, TakeMinutes: out.TakeMinutes},
		Available: toil.Totals{AddMinutes: out.AvailableAddMinutes, TakeMinutes: out.AvailableTakeMinutes},
	}, nil
}

// ListPending returns the review queue (managers only).
func (c *Client) ListPending(ctx context.Context) ([]toil.PendingEvent, error) {
	var out []eventJSON
	if err := c.do(ctx, http.MethodGet, "/api/toil/events/pending", nil, &out); err != nil {
		return nil, err
	}
	pending := make([]toil.PendingEvent, 0, len(out))
	for _, j := range out {
		e, err := j.event()
		if err != nil {
			return nil, err
		}
		pending = append(pending, toil.PendingEvent{Event: e, OwnerName: j.UserName, OwnerEmail: j.UserEmail})
	}
	return pending, nil
}

// Approve approves a pending event (managers only).
func (c *Client) Approve(ctx context.Context, id string) (toil.Event, error) {
	return c.resolve(ctx, id, "approve")
}

// Reject rejects a pending event (managers only).
func (c *Client) Reject(ctx context.Context, id string) (toil.Event, error) {
	return c.resolve(ctx, id, "reject")
}

func (c *Client) resolve(ctx context.Context, id, action string) (toil.Event, error) {
	var out eventJSON
	if err := c.do(ctx, http.MethodPut, "/api/toil/events/"+id+"/"+action, nil, &out); err != nil {
		return toil.Event{}, err
	}
	return out.event()
}

// Role returns the caller's role.
func (c *Client) Role(ctx context.Context) (toil.Role, error) {
	var out struct {
		Role string `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/user/role", nil, &out); err != nil {
		return "", err
	}
	return toil.ParseRole(out.Role)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			return ErrUnauthenticated
		}
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}

func toEvents(in []eventJSON) ([]toil.Event, error) {
	events := make([]toil.Event, 0, len(in))
	for _, j := range in {
		e, err := j.event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
