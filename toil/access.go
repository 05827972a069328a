package toil

import (
	"context"
	"errors"
	"fmt"
)

// Gate resolves a caller's role and guards manager-only operations.
// Every manager operation calls Authorize before touching any event, so
// non-managers get ErrForbidden whether or not the target exists.
type Gate struct {
	Users UserStore
}

// NewGate returns a gate backed by the given user store.
func NewGate(users UserStore) *Gate {
	return &Gate{Users: users}
}

// Authorize returns the caller's role if it satisfies required.
// Unknown callers are reported as ErrForbidden, not ErrNotFound.
func (g *Gate) Authorize(ctx context.Context, userID string, required Role) (Role, error) {
	if userID == "" {
		return "", ErrForbidden
	}
	u, err := g.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrForbidden
		}
		return "", fmt.Errorf("resolve role for %s: %w", userID, err)
	}
	if !u.Role.Satisfies(required) {
		return u.Role, ErrForbidden
	}
	return u.Role, nil
}

// IsManager is a convenience wrapper that swallows ErrForbidden.
func (g *Gate) IsManager(ctx context.Context, userID string) (bool, error) {
	_, err := g.Authorize(ctx, userID, RoleManager)
	if errors.Is(err, ErrForbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
