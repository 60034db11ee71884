package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/telecall/internal/core"
	"github.com/carebridge/telecall/internal/domain"
)

type fakeSignalConn struct {
	mu     sync.Mutex
	frames []core.Frame
	err    error
}

func (c *fakeSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeSignalConn) Close() {}

func (c *fakeSignalConn) received() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func TestPresenceRouteToRegistered(t *testing.T) {
	p := NewPresence()
	conn := &fakeSignalConn{}
	p.Register("doc-1", domain.RoleClinician, "Dr. Reyes", conn)

	require.NoError(t, p.RouteTo("doc-1", core.Frame(`{"type":"ping"}`)))
	require.Len(t, conn.received(), 1)
	assert.Equal(t, `{"type":"ping"}`, string(conn.received()[0]))
}

func TestPresenceRouteToOffline(t *testing.T) {
	p := NewPresence()
	err := p.RouteTo("nobody", core.Frame(`{}`))
	assert.ErrorIs(t, err, ErrRecipientOffline)
}

func TestPresenceReannounceOverwrites(t *testing.T) {
	p := NewPresence()
	old := &fakeSignalConn{}
	fresh := &fakeSignalConn{}
	p.Register("pat-7", domain.RolePatient, "Pat", old)
	p.Register("pat-7", domain.RolePatient, "Pat", fresh)

	require.NoError(t, p.RouteTo("pat-7", core.Frame(`{}`)))
	assert.Empty(t, old.received(), "stale connection must not receive traffic")
	assert.Len(t, fresh.received(), 1)
}

func TestPresenceLookupByConnection(t *testing.T) {
	p := NewPresence()
	conn := &fakeSignalConn{}
	p.Register("doc-1", domain.RoleClinician, "Dr. Reyes", conn)

	id, info, ok := p.Lookup(conn)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("doc-1"), id)
	assert.Equal(t, domain.RoleClinician, info.Role)
	assert.Equal(t, "Dr. Reyes", info.DisplayName)

	_, _, ok = p.Lookup(&fakeSignalConn{})
	assert.False(t, ok)
}

func TestPresenceUnregisterRemovesOwnEntriesOnly(t *testing.T) {
	p := NewPresence()
	old := &fakeSignalConn{}
	fresh := &fakeSignalConn{}
	other := &fakeSignalConn{}
	p.Register("pat-7", domain.RolePatient, "Pat", old)
	p.Register("pat-7", domain.RolePatient, "Pat", fresh)
	p.Register("doc-1", domain.RoleClinician, "Dr. Reyes", other)

	// The stale connection's deferred unregister fires after the re-announce.
	// It must not evict the fresh registration.
	p.Unregister(old)
	require.NoError(t, p.RouteTo("pat-7", core.Frame(`{}`)))
	assert.Len(t, fresh.received(), 1)

	p.Unregister(fresh)
	assert.ErrorIs(t, p.RouteTo("pat-7", core.Frame(`{}`)), ErrRecipientOffline)
	require.NoError(t, p.RouteTo("doc-1", core.Frame(`{}`)))
}

func TestPresenceSnapshot(t *testing.T) {
	p := NewPresence()
	p.Register("doc-1", domain.RoleClinician, "Dr. Reyes", &fakeSignalConn{})
	p.Register("pat-7", domain.RolePatient, "Pat", &fakeSignalConn{})

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	ids := map[domain.UserID]PresenceInfo{}
	for _, e := range snap {
		ids[e.ID] = e
	}
	assert.Equal(t, domain.RoleClinician, ids["doc-1"].Role)
	assert.Equal(t, "Pat", ids["pat-7"].DisplayName)
}
