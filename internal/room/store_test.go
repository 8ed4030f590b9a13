package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codecollab/internal/protocol"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	return NewStore(cfg, nil)
}

func TestGetOrCreateDefaults(t *testing.T) {
	st := newTestStore(t, Config{})
	s, created := st.GetOrCreate(context.Background(), "r1")
	require.True(t, created)

	snap, ok := st.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", s.ID)
	assert.Equal(t, "", snap.Code)
	assert.Equal(t, "javascript", snap.Language)
	assert.Equal(t, 0, snap.Members)
	assert.False(t, snap.UpdatedAt.IsZero())

	_, created = st.GetOrCreate(context.Background(), "r1")
	assert.False(t, created)
}

func TestGetOrCreateSeedsFromLoader(t *testing.T) {
	st := newTestStore(t, Config{
		Loader: func(ctx context.Context, roomID string) (*Document, error) {
			return &Document{Code: "print(1)", Language: "python"}, nil
		},
	})
	st.GetOrCreate(context.Background(), "r1")

	snap, _ := st.Get("r1")
	assert.Equal(t, "print(1)", snap.Code)
	assert.Equal(t, "python", snap.Language)
}

func TestGetOrCreateLoaderFailureStartsEmpty(t *testing.T) {
	st := newTestStore(t, Config{
		DefaultLanguage: "go",
		Loader: func(ctx context.Context, roomID string) (*Document, error) {
			return nil, errors.New("database is down")
		},
	})
	st.GetOrCreate(context.Background(), "r1")

	snap, ok := st.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "", snap.Code)
	assert.Equal(t, "go", snap.Language)
}

func TestGetOrCreateConcurrentSingleInstance(t *testing.T) {
	var loads atomic.Int32
	st := newTestStore(t, Config{
		Loader: func(ctx context.Context, roomID string) (*Document, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		},
	})

	const n = 50
	states := make([]*State, n)
	var createdCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created := st.GetOrCreate(context.Background(), "hot")
			if created {
				createdCount.Add(1)
			}
			states[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), createdCount.Load())
	for _, s := range states {
		assert.Same(t, states[0], s)
	}
	assert.Equal(t, 1, st.Count())
}

func TestAddRemoveMember(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	created := st.AddMember(ctx, "r1", "c1", nil)
	assert.True(t, created)

	var addedAgain bool
	st.AddMember(ctx, "r1", "c1", func(s *State, added bool) { addedAgain = added })
	assert.False(t, addedAgain, "duplicate join must not add a second membership")

	st.AddMember(ctx, "r1", "c2", nil)
	snap, _ := st.Get("r1")
	assert.Equal(t, 2, snap.Members)

	remaining, err := st.RemoveMember("r1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = st.RemoveMember("r1", "c1", func(s *State, removed bool) {
		assert.False(t, removed)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = st.RemoveMember("missing", "c1", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestEvictIfEmpty(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	st.AddMember(ctx, "r1", "c1", nil)
	_, evicted := st.EvictIfEmpty("r1")
	assert.False(t, evicted, "room with members must not be evicted")

	st.RemoveMember("r1", "c1", nil)
	snap, evicted := st.EvictIfEmpty("r1")
	assert.True(t, evicted)
	assert.Equal(t, "r1", snap.ID)

	_, evicted = st.EvictIfEmpty("r1")
	assert.False(t, evicted, "eviction happens once per empty transition")
	assert.Equal(t, 0, st.Count())
}

func TestOperationsOnMissingRoomAreNoOps(t *testing.T) {
	st := newTestStore(t, Config{})

	_, err := st.ApplyCodeUpdate("ghost", "x", "u1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, st.ApplyLanguageChange("ghost", "go"), ErrRoomNotFound)

	called := false
	err = st.Update("ghost", func(*State) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, called)
	assert.Equal(t, 0, st.Count())
}

func TestApplyCodeUpdateTimestampsNonDecreasing(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var tick atomic.Int64
	clock := func() time.Time {
		// Jumps backwards on every other call.
		n := tick.Add(1)
		if n%2 == 0 {
			return base.Add(-time.Minute)
		}
		return base.Add(time.Duration(n) * time.Second)
	}
	st := newTestStore(t, Config{Now: clock})
	st.GetOrCreate(context.Background(), "r1")

	var last time.Time
	for i := 0; i < 10; i++ {
		ts, err := st.ApplyCodeUpdate("r1", fmt.Sprintf("v%d", i), "u1")
		require.NoError(t, err)
		assert.False(t, ts.Before(last), "timestamp moved backwards")
		last = ts
	}

	snap, _ := st.Get("r1")
	assert.Equal(t, "v9", snap.Code)
	assert.Equal(t, last, snap.UpdatedAt)
}

func TestLastWriteWins(t *testing.T) {
	st := newTestStore(t, Config{})
	st.GetOrCreate(context.Background(), "r1")

	var mu sync.Mutex
	var lastCode string
	var lastTS time.Time
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("code-%d", i)
			st.Update("r1", func(s *State) error {
				ts := s.SetCode(code)
				mu.Lock()
				lastCode, lastTS = code, ts
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	snap, _ := st.Get("r1")
	assert.Equal(t, lastCode, snap.Code)
	assert.Equal(t, lastTS, snap.UpdatedAt)
}

func TestJoinRacingEvictionNeverLosesMember(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		room := fmt.Sprintf("r%d", i)
		st.AddMember(ctx, room, "leaver", nil)
		st.RemoveMember(room, "leaver", nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.EvictIfEmpty(room)
		}()
		go func() {
			defer wg.Done()
			st.AddMember(ctx, room, "joiner", nil)
		}()
		wg.Wait()

		snap, ok := st.Get(room)
		require.True(t, ok, "joiner's room must exist")
		assert.Equal(t, 1, snap.Members)
	}
}

func TestReseedAfterEviction(t *testing.T) {
	var stored atomic.Value
	stored.Store(Document{Code: "v1", Language: "go"})
	st := newTestStore(t, Config{
		Loader: func(ctx context.Context, roomID string) (*Document, error) {
			d := stored.Load().(Document)
			return &d, nil
		},
	})
	ctx := context.Background()

	st.AddMember(ctx, "r1", "c1", nil)
	st.RemoveMember("r1", "c1", nil)
	_, evicted := st.EvictIfEmpty("r1")
	require.True(t, evicted)

	stored.Store(Document{Code: "v2", Language: "go"})
	created := st.AddMember(ctx, "r1", "c2", nil)
	assert.True(t, created)

	snap, _ := st.Get("r1")
	assert.Equal(t, "v2", snap.Code)
}

func TestRoomIsolation(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()
	st.AddMember(ctx, "x", "c1", nil)
	st.AddMember(ctx, "y", "c2", nil)

	_, err := st.ApplyCodeUpdate("x", "only x", "u1")
	require.NoError(t, err)

	y, _ := st.Get("y")
	assert.Equal(t, "", y.Code)
}

func TestList(t *testing.T) {
	st := newTestStore(t, Config{})
	ctx := context.Background()
	st.AddMember(ctx, "b", "c1", nil)
	st.AddMember(ctx, "a", "c2", nil)
	st.AddMember(ctx, "a", "c3", nil)

	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 2, list[0].Members)
}

func TestMusicPlayback(t *testing.T) {
	st := newTestStore(t, Config{})
	st.GetOrCreate(context.Background(), "r1")

	err := st.Update("r1", func(s *State) error {
		assert.False(t, s.HasMusic())
		assert.ErrorIs(t, s.Play(nil), ErrNothingToPlay)

		s.SetQueue([]protocol.Track{{ID: "a"}, {ID: "b"}})
		require.NoError(t, s.Play(nil))
		m := s.Music()
		require.NotNil(t, m.Current)
		assert.Equal(t, "a", m.Current.ID)
		assert.True(t, m.Playing)
		assert.Len(t, m.Queue, 1)

		s.Pause()
		assert.False(t, s.Music().Playing)
		require.NoError(t, s.Play(nil))
		assert.Equal(t, "a", s.Music().Current.ID, "resume keeps the current track")

		s.Skip()
		assert.Equal(t, "b", s.Music().Current.ID)
		s.Skip()
		assert.Nil(t, s.Music().Current)
		assert.False(t, s.Music().Playing)

		require.NoError(t, s.Play(&protocol.Track{ID: "c"}))
		assert.Equal(t, "c", s.Music().Current.ID)
		assert.NotNil(t, s.Music().Queue)
		return nil
	})
	require.NoError(t, err)
}

func TestChatReplayBuffer(t *testing.T) {
	st := newTestStore(t, Config{ChatReplaySize: 3})
	st.GetOrCreate(context.Background(), "r1")

	st.Update("r1", func(s *State) error {
		for i := 0; i < 5; i++ {
			s.RecordChat(protocol.Chat{UserID: fmt.Sprintf("u%d", i)})
		}
		history := s.ChatHistory()
		require.Len(t, history, 3)
		assert.Equal(t, "u2", history[0].UserID)
		assert.Equal(t, "u4", history[2].UserID)
		return nil
	})
}

func TestChatReplayDisabled(t *testing.T) {
	st := newTestStore(t, Config{ChatReplaySize: 0})
	st.GetOrCreate(context.Background(), "r1")

	st.Update("r1", func(s *State) error {
		s.RecordChat(protocol.Chat{UserID: "u"})
		assert.Empty(t, s.ChatHistory())
		return nil
	})
}
