package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/core"
	"github.com/carebridge/telecall/internal/domain"
)

var ErrRecipientOffline = errors.New("recipient offline")

type presenceEntry struct {
	Conn        core.SignalConnection
	Role        domain.Role
	DisplayName string
}

// PresenceInfo is a read-only view for APIs (no transport fields).
type PresenceInfo struct {
	ID          domain.UserID `json:"id"`
	Role        domain.Role   `json:"role"`
	DisplayName string        `json:"display_name"`
}

// Presence maps an announced user identity to its live signaling connection.
// Re-announcing overwrites the prior entry: presence is connection-scoped and
// the last announcement wins for routing.
type Presence struct {
	mu      sync.RWMutex
	entries map[domain.UserID]*presenceEntry
}

func NewPresence() *Presence {
	return &Presence{
		entries: make(map[domain.UserID]*presenceEntry),
	}
}

func (p *Presence) Register(id domain.UserID, role domain.Role, displayName string, conn core.SignalConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = &presenceEntry{Conn: conn, Role: role, DisplayName: displayName}
	log.Info().Str("module", "relay.presence").Str("user", string(id)).Str("role", string(role)).Msg("registered")
}

// Lookup returns the identity registered for a connection, scanning by value.
// A connection may announce more than one id over its lifetime; the scan finds
// whichever entries currently point at it.
func (p *Presence) Lookup(conn core.SignalConnection) (domain.UserID, *PresenceInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, e := range p.entries {
		if e.Conn == conn {
			return id, &PresenceInfo{ID: id, Role: e.Role, DisplayName: e.DisplayName}, true
		}
	}
	return "", nil, false
}

// RouteTo delivers a frame to the most recently registered connection for id.
func (p *Presence) RouteTo(id domain.UserID, f core.Frame) error {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return ErrRecipientOffline
	}
	if err := e.Conn.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "relay.presence").Str("user", string(id)).Msg("route send failed")
		return err
	}
	return nil
}

// Unregister removes every entry owned by conn. An entry registered under an
// id that was later re-announced from another connection is left alone.
func (p *Presence) Unregister(conn core.SignalConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if e.Conn == conn {
			delete(p.entries, id)
			log.Info().Str("module", "relay.presence").Str("user", string(id)).Msg("unregistered")
		}
	}
}

func (p *Presence) Snapshot() []PresenceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceInfo, 0, len(p.entries))
	for id, e := range p.entries {
		out = append(out, PresenceInfo{ID: id, Role: e.Role, DisplayName: e.DisplayName})
	}
	return out
}
