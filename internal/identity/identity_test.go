package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codecollab/internal/db"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]db.User
	gets  atomic.Int32
	err   error
	delay time.Duration
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]db.User)}
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (*db.User, error) {
	f.gets.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &u, nil
}

func (f *fakeUsers) UpsertUser(ctx context.Context, u db.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDBDirectory(t *testing.T) {
	users := newFakeUsers()
	dir := NewDBDirectory(users)
	ctx := context.Background()

	p, err := dir.Lookup(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, Profile{UserID: "nobody"}, p)

	require.NoError(t, dir.Save(ctx, Profile{UserID: "u1", DisplayName: "Ada"}))
	p, err = dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.DisplayName)
}

func TestCachedDirectoryHitsCache(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	users := newFakeUsers()
	users.users["u1"] = db.User{ID: "u1", DisplayName: "Ada", AvatarURL: "a.png"}
	dir := NewCachedDirectory(NewDBDirectory(users), rdb, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := dir.Lookup(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", p.DisplayName)
	}
	assert.Equal(t, int32(1), users.gets.Load())
	assert.True(t, mr.Exists("collab:profile:u1"))
}

func TestCachedDirectorySaveInvalidates(t *testing.T) {
	_, rdb := setupTestRedis(t)
	users := newFakeUsers()
	users.users["u1"] = db.User{ID: "u1", DisplayName: "Ada"}
	dir := NewCachedDirectory(NewDBDirectory(users), rdb, time.Minute, nil)
	ctx := context.Background()

	_, err := dir.Lookup(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, dir.Save(ctx, Profile{UserID: "u1", DisplayName: "Ada L."}))
	p, err := dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", p.DisplayName)
}

func TestCachedDirectoryFallsThroughWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	users := newFakeUsers()
	users.users["u1"] = db.User{ID: "u1", DisplayName: "Ada"}
	dir := NewCachedDirectory(NewDBDirectory(users), rdb, time.Minute, nil)
	mr.Close()

	p, err := dir.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.DisplayName)
}

func TestResolverDegradesToUserID(t *testing.T) {
	users := newFakeUsers()
	users.err = errors.New("database is locked")
	r := NewResolver(NewDBDirectory(users), time.Second, nil)

	assert.Equal(t, Profile{UserID: "u1"}, r.Resolve(context.Background(), "u1"))
}

func TestResolverTimeout(t *testing.T) {
	users := newFakeUsers()
	users.delay = time.Second
	r := NewResolver(NewDBDirectory(users), 20*time.Millisecond, nil)

	start := time.Now()
	p := r.Resolve(context.Background(), "slow")
	assert.Equal(t, Profile{UserID: "slow"}, p)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNilResolver(t *testing.T) {
	var r *Resolver
	assert.Equal(t, Profile{UserID: "u"}, r.Resolve(context.Background(), "u"))
	r.Save(context.Background(), Profile{UserID: "u"})
}
