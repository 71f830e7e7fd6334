// Package presence tracks which users and astrologers are connected right now
// and which live connection carries each of them.
//
// A Registry is an in-memory, process-scoped value created once by the server
// and injected into the transport and the services; nothing here is
// persisted. Each identity (id + role) maps to at most one connection, and
// each connection carries at most one identity. Re-registering an identity
// from a new connection replaces the old mapping, so a late disconnect from
// the replaced connection is reported as "not found" instead of taking the
// identity offline.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// ConnID identifies one live transport connection.
type ConnID string

// Key is the identity half of an entry.
type Key struct {
	ID   string
	Role string
}

// Entry is one presence record.
type Entry struct {
	ID    string
	Role  string
	Conn  ConnID
	Since time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[Key]Entry
	byConn map[ConnID]Key
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[Key]Entry),
		byConn: make(map[ConnID]Key),
		now:    time.Now,
	}
}

// Register records conn as the live connection of (id, role). It returns the
// connection previously held by that identity, if any.
func (r *Registry) Register(id, role string, conn ConnID) (ConnID, bool) {
	k := Key{ID: id, Role: role}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection carries one identity; drop whatever it announced before.
	if oldKey, ok := r.byConn[conn]; ok && oldKey != k {
		delete(r.byKey, oldKey)
	}

	prev, had := r.byKey[k]
	if had && prev.Conn != conn {
		delete(r.byConn, prev.Conn)
	}

	r.byKey[k] = Entry{ID: id, Role: role, Conn: conn, Since: r.now().UTC()}
	r.byConn[conn] = k

	if had && prev.Conn != conn {
		return prev.Conn, true
	}
	return "", false
}

// Unregister removes whichever identity conn currently holds and returns it.
// ok is false when conn is unknown or was already replaced.
func (r *Registry) Unregister(conn ConnID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.byConn[conn]
	if !ok {
		return Entry{}, false
	}
	delete(r.byConn, conn)
	e := r.byKey[k]
	delete(r.byKey, k)
	return e, true
}

// Lookup returns the live connection of (id, role).
func (r *Registry) Lookup(id, role string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[Key{ID: id, Role: role}]
	return e.Conn, ok
}

// Identity returns the identity announced on conn.
func (r *Registry) Identity(conn ConnID) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.byConn[conn]
	return k, ok
}

// Online returns the sorted ids of every connected identity with role.
func (r *Registry) Online(role string) []string {
	r.mu.RLock()
	entries := lo.Values(r.byKey)
	r.mu.RUnlock()

	ids := lo.FilterMap(entries, func(e Entry, _ int) (string, bool) {
		return e.ID, e.Role == role
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of connected identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
