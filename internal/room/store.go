// Package room holds the in-memory state of every active collaboration room.
//
// Each room has its own lock; the store lock only guards the id to room map.
// When both are needed the store lock is taken first.
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Document seeds a new room.
type Document struct {
	Code     string
	Language string
}

// Loader fetches the durable copy of a room. It returns nil, nil when the
// room has never been stored.
type Loader func(ctx context.Context, roomID string) (*Document, error)

type Config struct {
	DefaultLanguage string
	ChatReplaySize  int
	Loader          Loader
	Now             func() time.Time
}

type Store struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]*State
	evicts uint64

	seeds singleflight.Group
}

func NewStore(cfg Config, logger *zap.Logger) *Store {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "javascript"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*State),
	}
}

// GetOrCreate returns the room, creating it from the durable copy (or empty)
// when absent. Exactly one State exists per id no matter how many callers
// race. created reports whether this call inserted the room.
func (st *Store) GetOrCreate(ctx context.Context, roomID string) (s *State, created bool) {
	for {
		st.mu.RLock()
		s, ok := st.rooms[roomID]
		gen := st.evicts
		st.mu.RUnlock()
		if ok {
			return s, false
		}

		doc := st.seed(ctx, roomID, gen)

		st.mu.Lock()
		if s, ok := st.rooms[roomID]; ok {
			st.mu.Unlock()
			return s, false
		}
		// A room evicted while the seed loaded may have left a newer copy behind.
		if st.evicts != gen {
			st.mu.Unlock()
			continue
		}
		s = newState(roomID, doc, st.cfg.ChatReplaySize, st.cfg.Now)
		st.rooms[roomID] = s
		st.mu.Unlock()
		return s, true
	}
}

func (st *Store) seed(ctx context.Context, roomID string, gen uint64) Document {
	doc := Document{Language: st.cfg.DefaultLanguage}
	if st.cfg.Loader == nil {
		return doc
	}

	key := fmt.Sprintf("%s#%d", roomID, gen)
	v, err, _ := st.seeds.Do(key, func() (any, error) {
		return st.cfg.Loader(ctx, roomID)
	})
	if err != nil {
		st.logger.Warn("seeding room from store failed, starting empty",
			zap.String("room", roomID), zap.Error(err))
		return doc
	}
	if stored, ok := v.(*Document); ok && stored != nil {
		doc.Code = stored.Code
		if stored.Language != "" {
			doc.Language = stored.Language
		}
	}
	return doc
}

// AddMember joins connID to the room, creating the room if needed. fn, when
// non-nil, runs under the room lock right after the membership change; added
// is false when the connection was already a member.
func (st *Store) AddMember(ctx context.Context, roomID, connID string, fn func(s *State, added bool)) (created bool) {
	for {
		s, c := st.GetOrCreate(ctx, roomID)
		created = created || c

		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		_, exists := s.members[connID]
		s.members[connID] = struct{}{}
		if fn != nil {
			fn(s, !exists)
		}
		s.mu.Unlock()
		return created
	}
}

// RemoveMember drops connID from the room and returns the remaining member
// count. fn runs under the room lock after the removal.
func (st *Store) RemoveMember(roomID, connID string, fn func(s *State, removed bool)) (int, error) {
	var remaining int
	err := st.Update(roomID, func(s *State) error {
		_, ok := s.members[connID]
		delete(s.members, connID)
		remaining = len(s.members)
		if fn != nil {
			fn(s, ok)
		}
		return nil
	})
	return remaining, err
}

// Update runs fn under the room lock. It returns ErrRoomNotFound when the
// room is not active, in which case fn is not called.
func (st *Store) Update(roomID string, fn func(s *State) error) error {
	st.mu.RLock()
	s, ok := st.rooms[roomID]
	st.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrRoomNotFound
	}
	return fn(s)
}

// ApplyCodeUpdate replaces the document unconditionally and returns the new
// timestamp.
func (st *Store) ApplyCodeUpdate(roomID, code, authorUserID string) (time.Time, error) {
	var ts time.Time
	err := st.Update(roomID, func(s *State) error {
		ts = s.SetCode(code)
		return nil
	})
	if err == nil {
		st.logger.Debug("code updated", zap.String("room", roomID), zap.String("user", authorUserID))
	}
	return ts, err
}

func (st *Store) ApplyLanguageChange(roomID, language string) error {
	return st.Update(roomID, func(s *State) error {
		s.SetLanguage(language)
		return nil
	})
}

// EvictIfEmpty removes the room if it has no members and returns its final
// snapshot. A room is evicted at most once.
func (st *Store) EvictIfEmpty(roomID string) (Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.rooms[roomID]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) > 0 {
		return Snapshot{}, false
	}
	delete(st.rooms, roomID)
	s.evicted = true
	st.evicts++
	return s.Snapshot(), true
}

// Get returns a snapshot of an active room.
func (st *Store) Get(roomID string) (Snapshot, bool) {
	var snap Snapshot
	err := st.Update(roomID, func(s *State) error {
		snap = s.Snapshot()
		return nil
	})
	return snap, err == nil
}

// List returns snapshots of every active room ordered by id.
func (st *Store) List() []Snapshot {
	st.mu.RLock()
	states := make([]*State, 0, len(st.rooms))
	for _, s := range st.rooms {
		states = append(states, s)
	}
	st.mu.RUnlock()

	out := make([]Snapshot, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		if !s.evicted {
			out = append(out, s.Snapshot())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.rooms)
}
