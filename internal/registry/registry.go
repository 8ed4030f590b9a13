// Package registry tracks the identity of every live connection.
package registry

import (
	"errors"
	"sync"
)

var ErrDuplicateConnection = errors.New("registry: connection already registered")

// Sender delivers encoded frames to one connection. Send must not block and
// reports false when the frame was dropped; Close must be safe to call more
// than once.
type Sender interface {
	Send(frame []byte) bool
	Close()
}

// Entry is a snapshot of one connection's registration.
type Entry struct {
	ConnID      string
	UserID      string
	DisplayName string
	AvatarURL   string
	RoomID      string
	Joined      bool
	Sender      Sender
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Entry
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Entry)}
}

// Register records a new connection. e.RoomID is the room named at connect
// time, if any; the connection is not a member until it joins.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[e.ConnID]; ok {
		return ErrDuplicateConnection
	}
	e.Joined = false
	r.conns[e.ConnID] = &e
	return nil
}

// SetRoom marks the connection as joined to roomID, or as not joined when
// roomID is empty. It returns the previous entry state and false when the
// connection is unknown.
func (r *Registry) SetRoom(connID, roomID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	prev := *e
	if roomID == "" {
		e.Joined = false
	} else {
		e.RoomID = roomID
		e.Joined = true
	}
	return prev, true
}

// Unregister removes the connection. Calling it again for the same id is a
// no-op that reports false.
func (r *Registry) Unregister(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.conns, connID)
	return *e, true
}

func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Senders resolves connection ids to their senders, skipping unknown ids.
func (r *Registry) Senders(connIDs []string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sender, 0, len(connIDs))
	for _, id := range connIDs {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.Sender)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of every registration.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, *e)
	}
	return out
}
