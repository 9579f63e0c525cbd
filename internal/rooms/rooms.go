// Package rooms tracks who may be in a room and who has it open right now.
//
// Participants are owned by the room service and only read here, through a
// Directory, with a short-lived cache. Active viewers live in the
// ROOM_VIEWERS bucket as one key per "{room}.{user}.{conn}", so a user stays
// a viewer while any of their devices has the room open, and join and leave
// stay single idempotent writes. The bucket TTL reaps keys of crashed nodes;
// live nodes renew theirs by joining again.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Bucket is the name of the active viewers bucket.
const Bucket = "ROOM_VIEWERS"

// DefaultTTL is the viewer key lifetime without renewal.
const DefaultTTL = 45 * time.Second

// ErrNotAParticipant is returned when a user is not on the room's
// participant list.
var ErrNotAParticipant = errors.New("rooms: not a participant")

// Directory supplies the authoritative participant list of a room.
type Directory interface {
	Participants(ctx context.Context, roomID string) ([]string, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, roomID string) ([]string, error)

func (f DirectoryFunc) Participants(ctx context.Context, roomID string) ([]string, error) {
	return f(ctx, roomID)
}

type cached struct {
	members map[string]bool
	list    []string
	fetched time.Time
}

// Tracker combines the participant directory with the active viewer set.
type Tracker struct {
	kv       kvstore.Bucket
	dir      Directory
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
	group singleflight.Group
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCacheTTL sets how long a fetched participant list is trusted. Zero
// disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(t *Tracker) { t.cacheTTL = d }
}

// WithClock replaces time.Now for the participant cache.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(kv kvstore.Bucket, dir Directory, opts ...Option) *Tracker {
	t := &Tracker{
		kv:       kv,
		dir:      dir,
		cacheTTL: 30 * time.Second,
		now:      time.Now,
		cache:    make(map[string]cached),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func viewerKey(roomID, userID, connID string) string {
	return kvstore.Key(kvstore.Token(roomID), kvstore.Token(userID), kvstore.Token(connID))
}

func userPattern(roomID, userID string) string {
	return kvstore.Key(kvstore.Token(roomID), kvstore.Token(userID), "*")
}

func roomPattern(roomID string) string {
	return kvstore.Key(kvstore.Token(roomID), ">")
}

func (t *Tracker) participants(ctx context.Context, roomID string) (cached, error) {
	t.mu.Lock()
	c, ok := t.cache[roomID]
	t.mu.Unlock()
	if ok && t.now().Sub(c.fetched) < t.cacheTTL {
		return c, nil
	}

	v, err, _ := t.group.Do(roomID, func() (interface{}, error) {
		users, err := t.dir.Participants(ctx, roomID)
		if err != nil {
			return cached{}, err
		}
		c := cached{members: make(map[string]bool, len(users)), fetched: t.now()}
		for _, u := range users {
			if !c.members[u] {
				c.members[u] = true
				c.list = append(c.list, u)
			}
		}
		sort.Strings(c.list)
		if t.cacheTTL > 0 {
			t.mu.Lock()
			t.cache[roomID] = c
			t.mu.Unlock()
		}
		return c, nil
	})
	if err != nil {
		return cached{}, fmt.Errorf("fetch participants of %s: %w", roomID, err)
	}
	return v.(cached), nil
}

// ParticipantsOf returns the room's participant list, sorted.
func (t *Tracker) ParticipantsOf(ctx context.Context, roomID string) ([]string, error) {
	c, err := t.participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.list...), nil
}

func (t *Tracker) IsParticipant(ctx context.Context, userID, roomID string) (bool, error) {
	c, err := t.participants(ctx, roomID)
	if err != nil {
		return false, err
	}
	return c.members[userID], nil
}

// JoinRoom adds connection connID of userID to the room's active viewers.
// Joining again renews the key. A non-participant gets ErrNotAParticipant
// and the viewer set is left untouched.
func (t *Tracker) JoinRoom(ctx context.Context, userID, connID, roomID string) error {
	ok, err := t.IsParticipant(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAParticipant
	}
	if _, err := t.kv.Put(ctx, viewerKey(roomID, userID, connID), []byte(`{}`)); err != nil {
		return fmt.Errorf("add viewer %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom is a no-op when the connection is not viewing the room. Other
// connections of the same user keep viewing.
func (t *Tracker) LeaveRoom(ctx context.Context, userID, connID, roomID string) error {
	if err := t.kv.Delete(ctx, viewerKey(roomID, userID, connID)); err != nil {
		return fmt.Errorf("remove viewer %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// ActiveViewersOf returns the users who have the room open on at least one
// connection, sorted.
func (t *Tracker) ActiveViewersOf(ctx context.Context, roomID string) ([]string, error) {
	entries, err := t.kv.List(ctx, roomPattern(roomID))
	if err != nil {
		return nil, fmt.Errorf("list viewers of %s: %w", roomID, err)
	}
	seen := make(map[string]bool, len(entries))
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		tokens := kvstore.Split(e.Key)
		if len(tokens) != 3 {
			continue
		}
		u, err := kvstore.ParseToken(tokens[1])
		if err != nil || seen[u] {
			continue
		}
		seen[u] = true
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// RemoveRoomStateIfEmpty drops what the store and the cache still hold for a
// room nobody is viewing. It reports whether the room was empty.
func (t *Tracker) RemoveRoomStateIfEmpty(ctx context.Context, roomID string) (bool, error) {
	viewers, err := t.ActiveViewersOf(ctx, roomID)
	if err != nil {
		return false, err
	}
	if len(viewers) > 0 {
		return false, nil
	}
	if err := t.kv.Compact(ctx, roomPattern(roomID)); err != nil {
		return false, fmt.Errorf("compact viewers of %s: %w", roomID, err)
	}
	t.Invalidate(roomID)
	slog.Debug("Removed empty room state", "room", roomID)
	return true, nil
}

// Revoke handles a user removed from the room: every connection of theirs
// stops viewing it and the cached participant list is dropped.
func (t *Tracker) Revoke(ctx context.Context, roomID, userID string) error {
	t.Invalidate(roomID)
	entries, err := t.kv.List(ctx, userPattern(roomID, userID))
	if err != nil {
		return fmt.Errorf("list viewers %s of %s: %w", userID, roomID, err)
	}
	for _, e := range entries {
		if err := t.kv.Delete(ctx, e.Key); err != nil {
			return fmt.Errorf("revoke viewer %s from %s: %w", userID, roomID, err)
		}
	}
	return nil
}

// Invalidate forgets the cached participant list of roomID.
func (t *Tracker) Invalidate(roomID string) {
	t.mu.Lock()
	delete(t.cache, roomID)
	t.mu.Unlock()
	t.group.Forget(roomID)
}
