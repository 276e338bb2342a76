// Package session owns the process-wide table of active map sessions and the
// presence mapping of each. All presence mutation funnels through Join and
// Leave so the one-map-per-connection invariant stays enforceable.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/czd326/cooperative-indoor/internal/event"
)

// Sender is the outbound half of a connection. *transport.Connection
// satisfies it; tests substitute a capturing fake.
type Sender interface {
	Send(msg []byte)
}

type member struct {
	name   string
	sender Sender
}

type mapSession struct {
	members map[uuid.UUID]*member
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*mapSession
	byConn   map[uuid.UUID]string

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*mapSession),
		byConn:   make(map[uuid.UUID]string),
		logger:   logger.With(slog.String("component", "session_registry")),
	}
}

// Join binds a connection to a map and broadcasts the updated presence
// mapping to every member of that map, the joiner included. Re-joining the
// same map updates the display name; joining a different map evicts the
// connection from its previous map first (last join wins).
func (r *Registry) Join(mapID string, connID uuid.UUID, sender Sender, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok && prev != mapID {
		r.removeLocked(prev, connID)
		if _, stillUp := r.sessions[prev]; stillUp {
			r.broadcastPresenceLocked(prev)
		}
	}

	sess, ok := r.sessions[mapID]
	if !ok {
		sess = &mapSession{members: make(map[uuid.UUID]*member)}
		r.sessions[mapID] = sess
		r.logger.Debug("map session created", slog.String("mapID", mapID))
	}
	sess.members[connID] = &member{name: displayName, sender: sender}
	r.byConn[connID] = mapID

	r.logger.Debug("connection joined map",
		slog.String("mapID", mapID),
		slog.String("connID", connID.String()),
		slog.String("user", displayName),
	)
	r.broadcastPresenceLocked(mapID)
}

// Leave removes a connection from whichever map it is bound to and returns
// the affected map ids. Unknown connections are a no-op. Remaining members
// receive the updated presence mapping; an emptied session is torn down.
func (r *Registry) Leave(connID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	mapID, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	r.removeLocked(mapID, connID)
	if sess, ok := r.sessions[mapID]; ok && len(sess.members) > 0 {
		r.broadcastPresenceLocked(mapID)
	}
	return []string{mapID}
}

// removeLocked unlinks a connection from a map and tears down the session
// when its presence empties. Caller holds the write lock.
func (r *Registry) removeLocked(mapID string, connID uuid.UUID) {
	delete(r.byConn, connID)
	sess, ok := r.sessions[mapID]
	if !ok {
		return
	}
	delete(sess.members, connID)
	if len(sess.members) == 0 {
		delete(r.sessions, mapID)
		r.logger.Debug("map session removed", slog.String("mapID", mapID))
	}
}

// Bound reports the map and display name a connection is currently bound to.
func (r *Registry) Bound(connID uuid.UUID) (mapID, displayName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mapID, ok = r.byConn[connID]
	if !ok {
		return "", "", false
	}
	if m, found := r.sessions[mapID].members[connID]; found {
		displayName = m.name
	}
	return mapID, displayName, true
}

// PresenceOf returns a read-only snapshot of a map's presence mapping.
func (r *Registry) PresenceOf(mapID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked(mapID)
}

func (r *Registry) presenceLocked(mapID string) map[string]string {
	sess, ok := r.sessions[mapID]
	if !ok {
		return map[string]string{}
	}
	users := make(map[string]string, len(sess.members))
	for id, m := range sess.members {
		users[id.String()] = m.name
	}
	return users
}

// Broadcast fans a framed message out to every member of a map. A nil-uuid
// except sends to everyone; otherwise the named connection is skipped.
func (r *Registry) Broadcast(mapID string, msg []byte, except uuid.UUID) {
	if msg == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[mapID]
	if !ok {
		return
	}
	for id, m := range sess.members {
		if id == except {
			continue
		}
		m.sender.Send(msg)
	}
}

// broadcastPresenceLocked emits the presence mapping as it stands right now,
// under the lock, so no member ever sees a stale snapshot.
func (r *Registry) broadcastPresenceLocked(mapID string) {
	msg := event.Marshal(event.UsersChannel(mapID), map[string]any{
		"users": r.presenceLocked(mapID),
	})
	sess := r.sessions[mapID]
	if sess == nil {
		return
	}
	for _, m := range sess.members {
		m.sender.Send(msg)
	}
}
