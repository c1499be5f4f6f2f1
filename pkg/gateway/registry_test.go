package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewClientRegistry()

	reg.Add(&Client{ID: "late", ConnectedAt: base.Add(time.Minute), LastActivity: base.Add(time.Minute)})
	reg.Add(&Client{ID: "early", ConnectedAt: base, LastActivity: base, Authenticated: true})
	assert.Equal(t, 2, reg.Count())

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "early", all[0].ID)
	assert.Equal(t, "late", all[1].ID)

	authed := reg.Authenticated()
	require.Len(t, authed, 1)
	assert.Equal(t, "early", authed[0].ID)

	client, ok := reg.Get("late")
	require.True(t, ok)
	client.authenticate()
	assert.Len(t, reg.Authenticated(), 2)

	infos := reg.Infos(base.Add(clientIdleAfter + 30*time.Second))
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Idle)
	assert.False(t, infos[1].Idle)
}

func TestClientRegistry_RemoveCancelsWatches(t *testing.T) {
	reg := NewClientRegistry()
	client := &Client{ID: "c1"}
	reg.Add(client)

	canceled := 0
	require.True(t, client.addWatch("HelloWorld/p1", func() { canceled++ }))
	require.False(t, client.addWatch("HelloWorld/p1", func() {}))
	require.True(t, client.addWatch("HelloWorld/p2", func() { canceled++ }))

	reg.Remove("c1")
	assert.Equal(t, 2, canceled)
	assert.Equal(t, StateDisconnected, client.State)
	assert.Zero(t, reg.Count())

	_, ok := reg.Get("c1")
	assert.False(t, ok)

	reg.Remove("c1")
	assert.Equal(t, 2, canceled)
}
