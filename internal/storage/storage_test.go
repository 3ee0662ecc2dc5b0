package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sip-registrar/internal/registry"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	u := &User{Username: "alice", Email: "alice@example.com", Password: "ha1"}
	require.NoError(t, s.AddUser(ctx, u))
	assert.NotZero(t, u.ID)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "ha1", got.Password)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.Empty(t, got.Bindings)

	assert.Error(t, s.AddUser(ctx, &User{Username: "alice", Password: "x"}), "usernames are unique")
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetUserByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetBindings(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.SaveUser(context.Background(), &User{Username: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveUserReplacesBindings(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.AddUser(ctx, &User{Username: "bob", Password: "ha1"}))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u, err := s.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	u.Nonce = "123456789"
	u.Bindings = []registry.Binding{
		{Key: "bob@192.0.2.2:5060", Contact: "sip:bob@192.0.2.2", Transport: "udp", ExpiresAt: now.Add(time.Hour), UpdatedAt: now},
		{Key: "bob@192.0.2.1:5060", Contact: "sip:bob@192.0.2.1", Source: "192.0.2.1:5060", ExpiresAt: now.Add(time.Minute), UpdatedAt: now},
	}
	require.NoError(t, s.SaveUser(ctx, u))

	got, err := s.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "123456789", got.Nonce)
	require.Len(t, got.Bindings, 2)
	assert.Equal(t, "bob@192.0.2.1:5060", got.Bindings[0].Key, "bindings are ordered by key")
	assert.Equal(t, "192.0.2.1:5060", got.Bindings[0].Source)
	assert.True(t, now.Add(time.Minute).Equal(got.Bindings[0].ExpiresAt))

	u.Bindings = u.Bindings[:1]
	require.NoError(t, s.SaveUser(ctx, u))
	bs, err := s.GetBindings(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, "bob@192.0.2.2:5060", bs[0].Key)
}

func TestGetAllUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.AddUser(ctx, &User{Username: name, Password: "x"}))
	}
	users, err := s.GetAllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "carol", users[2].Username)
}
