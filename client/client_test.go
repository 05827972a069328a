package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-ledger/api"
	"github.com/warp/toil-ledger/auth"
	"github.com/warp/toil-ledger/store/memory"
	"github.com/warp/toil-ledger/toil"
)

type fixture struct {
	url     string
	issuer  *auth.Issuer
	user    *Client
	manager *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, toil.User{ID: "alice", Name: "Alice", Email: "alice@example.com"}))
	require.NoError(t, store.SaveUser(ctx, toil.User{ID: "mgr", Name: "Morgan", Email: "morgan@example.com", Role: toil.RoleManager}))

	issuer, err := auth.NewIssuer("client-test-secret-0123", "toild", time.Hour)
	require.NoError(t, err)

	svc := toil.NewService(store, toil.WithLogger(logger))
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc, store, logger), api.RouterConfig{Issuer: issuer}))
	t.Cleanup(srv.Close)

	f := &fixture{url: srv.URL, issuer: issuer}
	f.user = New(srv.URL, f.token(t, "alice"))
	f.manager = New(srv.URL, f.token(t, "mgr"))
	return f
}

func (f *fixture) token(t *testing.T, userID string) string {
	tok, err := f.issuer.Issue(userID)
	require.NoError(t, err)
	return tok
}

func TestClient_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: Alice logs 90 minutes
	created, err := f.user.CreateEvent(ctx, toil.EventInput{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      toil.EventAdd,
		Minutes:   90,
		Note:      "on call",
	})
	require.NoError(t, err)
	assert.Equal(t, toil.StatusPending, created.Status)
	require.NotNil(t, created.Note)
	assert.Equal(t, "on call", *created.Note)

	// WHEN: The manager reviews the queue and approves
	pending, err := f.manager.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Owner)
	assert.Equal(t, "Alice", pending[0].OwnerName)

	approved, err := f.manager.Approve(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, toil.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovalTimestamp)

	// THEN: Both balance views include it
	b, err := f.user.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, b.Total.Net())
	assert.Equal(t, 90, b.Available.Net())

	events, err := f.user.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, created.ID, events[0].ID)

	role, err := f.manager.Role(ctx)
	require.NoError(t, err)
	assert.Equal(t, toil.RoleManager, role)
}

func TestClient_ErrorsUnwrapToLedgerSentinels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.user.CreateEvent(ctx, toil.EventInput{Timestamp: "2026-03-10T09:00:00Z", Type: toil.EventAdd, Minutes: 0})
	assert.True(t, errors.Is(err, toil.ErrValidation), "got %v", err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)

	_, err = f.user.Approve(ctx, "anything")
	assert.True(t, errors.Is(err, toil.ErrForbidden), "got %v", err)

	_, err = f.manager.Approve(ctx, "missing")
	assert.True(t, errors.Is(err, toil.ErrNotFound), "got %v", err)

	err = f.user.DeleteEvent(ctx, "missing")
	assert.True(t, errors.Is(err, toil.ErrNotFound), "got %v", err)

	created, err := f.user.CreateEvent(ctx, toil.EventInput{Timestamp: "2026-03-10T09:00:00Z", Type: toil.EventTake, Minutes: 15})
	require.NoError(t, err)
	_, err = f.manager.Reject(ctx, created.ID)
	require.NoError(t, err)
	_, err = f.manager.Reject(ctx, created.ID)
	assert.True(t, errors.Is(err, toil.ErrInvalidTransition), "got %v", err)

	anon := New(f.url, "not-a-token")
	_, err = anon.ListEvents(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestClient_Ledger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := NewLedger(f.user, NewCache(nil, nil), nil)

	created, err := ledger.Create(ctx, toil.EventInput{Timestamp: "2026-03-10T09:00:00Z", Type: toil.EventAdd, Minutes: 45})
	require.NoError(t, err)

	minutes := 60
	updated, err := ledger.Update(ctx, created.ID, toil.Patch{Minutes: &minutes})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.Minutes)

	require.NoError(t, ledger.Refresh(ctx))
	events := ledger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 60, events[0].Minutes)
	assert.Equal(t, 60, ledger.Balance().Total.Net())

	require.NoError(t, ledger.Delete(ctx, created.ID))
	assert.Empty(t, ledger.Events())
}
