// Package typing tracks which room each user is typing in.
//
// A user has at most one record, keyed by user, holding the room and the time
// typing started. Records older than the TTL are ignored by every reader
// whether or not anything has deleted them yet; the bucket TTL and Sweep only
// keep the store small.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Bucket is the name of the typing bucket.
const Bucket = "TYPING"

// DefaultTTL is how long a typing indicator lives without being renewed.
const DefaultTTL = 10 * time.Second

// State is the stored typing record.
type State struct {
	RoomID    string `json:"roomId"`
	StartedAt int64  `json:"startedAt"`
}

// Tracker reads and writes typing records.
type Tracker struct {
	kv  kvstore.Bucket
	ttl time.Duration
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(kv kvstore.Bucket, opts ...Option) *Tracker {
	t := &Tracker{kv: kv, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the configured expiry.
func (t *Tracker) TTL() time.Duration { return t.ttl }

func (t *Tracker) expired(s State) bool {
	return t.now().Sub(time.UnixMilli(s.StartedAt)) >= t.ttl
}

// SetTyping replaces any earlier record of userID with (roomID, now).
func (t *Tracker) SetTyping(ctx context.Context, userID, roomID string) error {
	data, err := json.Marshal(State{RoomID: roomID, StartedAt: t.now().UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := t.kv.Put(ctx, kvstore.Token(userID), data); err != nil {
		return fmt.Errorf("set typing %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// ClearTyping removes userID's record wherever it points.
func (t *Tracker) ClearTyping(ctx context.Context, userID string) error {
	if err := t.kv.Delete(ctx, kvstore.Token(userID)); err != nil {
		return fmt.Errorf("clear typing %s: %w", userID, err)
	}
	return nil
}

// ClearTypingIn removes userID's record only if it is for roomID. A record
// rewritten for another room in the meantime is kept.
func (t *Tracker) ClearTypingIn(ctx context.Context, userID, roomID string) error {
	key := kvstore.Token(userID)
	e, err := t.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read typing %s: %w", userID, err)
	}
	var s State
	if err := json.Unmarshal(e.Value, &s); err == nil && s.RoomID != roomID {
		return nil
	}
	err = t.kv.DeleteRevision(ctx, key, e.Revision)
	if err != nil && !errors.Is(err, kvstore.ErrRevisionMismatch) {
		return fmt.Errorf("clear typing %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// TypingUsersIn returns the users currently typing in roomID, sorted.
// Expired records are left out even if they are still stored.
func (t *Tracker) TypingUsersIn(ctx context.Context, roomID string) ([]string, error) {
	entries, err := t.kv.List(ctx, "*")
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	var users []string
	for _, e := range entries {
		var s State
		if err := json.Unmarshal(e.Value, &s); err != nil {
			continue
		}
		if s.RoomID != roomID || t.expired(s) {
			continue
		}
		u, err := kvstore.ParseToken(e.Key)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// Sweep deletes expired records and returns how many it removed. A record
// renewed while the sweep runs survives because deletes are pinned to the
// revision that was read.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	entries, err := t.kv.List(ctx, "*")
	if err != nil {
		return 0, fmt.Errorf("list typing: %w", err)
	}
	removed := 0
	for _, e := range entries {
		var s State
		if err := json.Unmarshal(e.Value, &s); err == nil && !t.expired(s) {
			continue
		}
		err := t.kv.DeleteRevision(ctx, e.Key, e.Revision)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, kvstore.ErrRevisionMismatch):
		default:
			return removed, fmt.Errorf("sweep typing: %w", err)
		}
	}
	if err := t.kv.Compact(ctx, "*"); err != nil {
		slog.Debug("Typing compaction failed", "error", err)
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval while gate reports true. A nil gate
// always sweeps. Intervals longer than the TTL are clamped to it.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration, gate func() bool) error {
	if interval <= 0 || interval > t.ttl {
		interval = t.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if gate != nil && !gate() {
				continue
			}
			n, err := t.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("Typing sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Swept expired typing indicators", "removed", n)
			}
		}
	}
}
