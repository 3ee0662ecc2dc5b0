package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sip-registrar/internal/sip"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNewBinding(t *testing.T) {
	b := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10;transport=udp>"), 600, t0)
	assert.Equal(t, "alice@192.0.2.10:5060", b.Key)
	assert.Equal(t, "sip:alice@192.0.2.10;transport=udp", b.Contact)
	assert.Equal(t, "udp", b.Transport)
	assert.Equal(t, t0.Add(600*time.Second), b.ExpiresAt)
	assert.Equal(t, 600, b.Remaining(t0))
	assert.Equal(t, 1, b.Remaining(t0.Add(599500*time.Millisecond)))
	assert.Zero(t, b.Remaining(t0.Add(time.Hour)))
}

func TestExpiryBoundary(t *testing.T) {
	const expires = 60
	tbl := NewTable()
	b := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10:5062>"), expires, t0)
	tbl.Put(b)

	assert.True(t, tbl.IsLive(b.Key, t0.Add((expires-1)*time.Second)))
	assert.False(t, tbl.IsLive(b.Key, t0.Add((expires+1)*time.Second)))
	assert.Len(t, tbl.Live(t0.Add((expires-1)*time.Second)), 1)
	assert.Empty(t, tbl.Live(t0.Add((expires+1)*time.Second)))
	assert.Equal(t, 1, tbl.Len(), "expired bindings are kept until removed")
}

func TestRemoveIsIdempotent(t *testing.T) {
	tbl := NewTable()
	assert.False(t, tbl.Remove("alice@192.0.2.10:5060"), "removing from an empty table is a no-op")

	b := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 60, t0)
	require.True(t, tbl.Put(b))
	assert.True(t, tbl.Remove(b.Key))
	assert.False(t, tbl.Remove(b.Key))
	assert.Zero(t, tbl.Len())
}

func TestPutRefreshes(t *testing.T) {
	tbl := NewTable()
	b := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 60, t0)
	assert.True(t, tbl.Put(b))
	b2 := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 120, t0.Add(30*time.Second))
	assert.False(t, tbl.Put(b2))
	got, ok := tbl.Get(b.Key)
	require.True(t, ok)
	assert.Equal(t, b2.ExpiresAt, got.ExpiresAt)
}

func TestExpire(t *testing.T) {
	tbl := NewTable()
	b := NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 60, t0)
	tbl.Put(b)

	assert.False(t, tbl.Expire(b.Key, t0.Add(30*time.Second)), "live binding is kept")
	tbl.Put(NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 60, t0.Add(50*time.Second)))
	assert.False(t, tbl.Expire(b.Key, t0.Add(61*time.Second)), "refreshed binding is kept")
	assert.True(t, tbl.Expire(b.Key, t0.Add(111*time.Second)))
	assert.False(t, tbl.Expire(b.Key, t0.Add(111*time.Second)))
}

func TestLiveOrderingAndRemoveAll(t *testing.T) {
	tbl := NewTable(
		NewBinding(sip.ParseUser("<sip:alice@192.0.2.12>"), 60, t0),
		NewBinding(sip.ParseUser("<sip:alice@192.0.2.10>"), 60, t0),
		NewBinding(sip.ParseUser("<sip:alice@192.0.2.11>"), 1, t0),
	)
	now := t0.Add(10 * time.Second)
	live := tbl.Live(now)
	require.Len(t, live, 2)
	assert.Equal(t, "alice@192.0.2.10:5060", live[0].Key)
	assert.Equal(t, "alice@192.0.2.12:5060", live[1].Key)
	assert.True(t, tbl.AnyLive(now))
	assert.Len(t, tbl.All(), 3)

	assert.Equal(t, 3, tbl.RemoveAll())
	assert.False(t, tbl.AnyLive(now))
	assert.Zero(t, tbl.RemoveAll())
}

func TestZeroTable(t *testing.T) {
	var tbl Table
	assert.False(t, tbl.Remove("x"))
	assert.Empty(t, tbl.Live(t0))
	tbl.Put(Binding{Key: "x", ExpiresAt: t0.Add(time.Second)})
	assert.Equal(t, 1, tbl.Len())
}
