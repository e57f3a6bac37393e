// Package session tracks which live connection currently speaks for an
// authenticated user. At most one connection is bound per user id.
package session

import (
	"context"
	"sort"
	"sync"
)

// Conn is the registry's view of a connection. The registry never owns the
// connection; it only hands the handle back to callers.
type Conn interface {
	ID() string
	// Deliver writes frame to the peer and reports the outcome.
	Deliver(ctx context.Context, frame []byte) error
	// Evict closes the connection after telling the peer why.
	Evict(reason string)
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]Conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]Conn)}
}

// Bind makes c the session for userID and returns the handle it replaced,
// if any. The caller is responsible for closing the evicted handle.
func (r *Registry) Bind(userID int64, c Conn) (evicted Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.sessions[userID]
	r.sessions[userID] = c
	if !had || prev == c {
		return nil, false
	}
	return prev, true
}

func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[userID]
	return c, ok
}

// Unbind removes the session for userID only while it still points at c, so
// a late close of an evicted connection cannot drop its successor.
func (r *Registry) Unbind(userID int64, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == c {
		delete(r.sessions, userID)
		return true
	}
	return false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type Entry struct {
	UserID int64
	Conn   Conn
}

// Snapshot returns the current sessions ordered by user id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.sessions))
	for uid, c := range r.sessions {
		out = append(out, Entry{UserID: uid, Conn: c})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
