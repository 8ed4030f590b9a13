// Package identity resolves user ids to display profiles for presence and
// chat frames.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/codecollab/internal/db"
)

type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Directory looks up and records user profiles. Lookup of an unknown user
// returns a bare profile, not an error.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
	Save(ctx context.Context, p Profile) error
}

// UserStore is the durable user table.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	UpsertUser(ctx context.Context, u db.User) error
}

// DBDirectory reads profiles straight from the database.
type DBDirectory struct {
	store UserStore
}

func NewDBDirectory(store UserStore) *DBDirectory {
	return &DBDirectory{store: store}
}

func (d *DBDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	u, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return Profile{UserID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}, nil
}

func (d *DBDirectory) Save(ctx context.Context, p Profile) error {
	return d.store.UpsertUser(ctx, db.User{ID: p.UserID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL})
}

// CachedDirectory puts a Redis cache-aside layer in front of another
// Directory. Concurrent misses for the same user share one lookup.
type CachedDirectory struct {
	next   Directory
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

func NewCachedDirectory(next Directory, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(userID string) string {
	return "collab:profile:" + userID
}

func (c *CachedDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(userID)).Bytes()
	switch {
	case err == nil:
		var p Profile
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return p, nil
		}
	case !errors.Is(err, redis.Nil):
		// Continue to the directory on cache errors
		c.logger.Debug("profile cache read failed", zap.String("user", userID), zap.Error(err))
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.next.Lookup(ctx, userID)
	})
	if err != nil {
		return Profile{}, err
	}
	p := v.(Profile)

	if data, err := json.Marshal(p); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(userID), data, c.ttl).Err(); err != nil {
			c.logger.Debug("profile cache write failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return p, nil
}

func (c *CachedDirectory) Save(ctx context.Context, p Profile) error {
	if err := c.next.Save(ctx, p); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, cacheKey(p.UserID)).Err(); err != nil {
		return fmt.Errorf("invalidate profile cache: %w", err)
	}
	return nil
}

// Resolver bounds profile lookups so a slow directory only costs enrichment.
type Resolver struct {
	dir     Directory
	timeout time.Duration
	logger  *zap.Logger
}

func NewResolver(dir Directory, timeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dir: dir, timeout: timeout, logger: logger}
}

// Resolve never fails: on error or timeout it returns the raw user id.
func (r *Resolver) Resolve(ctx context.Context, userID string) Profile {
	if r == nil || r.dir == nil {
		return Profile{UserID: userID}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	p, err := r.dir.Lookup(ctx, userID)
	if err != nil {
		r.logger.Debug("profile lookup failed", zap.String("user", userID), zap.Error(err))
		return Profile{UserID: userID}
	}
	p.UserID = userID
	return p
}

// Save records a profile, logging failures.
func (r *Resolver) Save(ctx context.Context, p Profile) {
	if r == nil || r.dir == nil || p.UserID == "" {
		return
	}
	if err := r.dir.Save(ctx, p); err != nil {
		r.logger.Warn("failed to save profile", zap.String("user", p.UserID), zap.Error(err))
	}
}
