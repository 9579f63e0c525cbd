// Package presence tracks which users have a live connection anywhere in the
// cluster.
//
// Every connection owns one key "{user}.{conn}" in the PRESENCE_CONN bucket.
// A user is online while any such key exists, so the per-user key set is the
// shared connection counter and no process has to trust its own view when a
// connection closes. Records carry the node id that holds the socket, which
// is what cross-process delivery routes on. The bucket TTL reaps records of
// crashed nodes; live nodes keep theirs fresh with Refresh.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Bucket is the name of the presence bucket.
const Bucket = "PRESENCE_CONN"

// DefaultTTL matches the heartbeat window used across the chat services.
const DefaultTTL = 45 * time.Second

// Record is the value stored for each live connection.
type Record struct {
	NodeID      string `json:"nodeId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// Registry is the cluster-wide presence view.
type Registry struct {
	kv     kvstore.Bucket
	nodeID string
	now    func() time.Time
}

func New(kv kvstore.Bucket, nodeID string) *Registry {
	return &Registry{kv: kv, nodeID: nodeID, now: time.Now}
}

func connKey(userID, connID string) string {
	return kvstore.Key(kvstore.Token(userID), kvstore.Token(connID))
}

func userPattern(userID string) string {
	return kvstore.Key(kvstore.Token(userID), "*")
}

// MarkOnline records connID for userID on this node. Calling it again for the
// same connection only refreshes the record.
func (r *Registry) MarkOnline(ctx context.Context, userID, connID string) error {
	data, err := json.Marshal(Record{NodeID: r.nodeID, ConnectedAt: r.now().UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, connKey(userID, connID), data); err != nil {
		return fmt.Errorf("mark %s online: %w", userID, err)
	}
	return nil
}

// Refresh re-puts the record so the bucket TTL does not reap a live
// connection.
func (r *Registry) Refresh(ctx context.Context, userID, connID string) error {
	return r.MarkOnline(ctx, userID, connID)
}

// MarkOfflineIfLast removes connID and reports whether userID is now offline
// everywhere. The answer comes from listing the user's remaining records after
// the delete, never from this process's local handles.
func (r *Registry) MarkOfflineIfLast(ctx context.Context, userID, connID string) (bool, error) {
	if err := r.kv.Delete(ctx, connKey(userID, connID)); err != nil {
		return false, fmt.Errorf("remove connection %s of %s: %w", connID, userID, err)
	}
	remaining, err := r.kv.List(ctx, userPattern(userID))
	if err != nil {
		return false, fmt.Errorf("list connections of %s: %w", userID, err)
	}
	if len(remaining) > 0 {
		slog.Debug("Connection closed, user has other connections", "user", userID, "conn", connID, "remaining", len(remaining))
		return false, nil
	}
	slog.Debug("Last connection closed, user offline", "user", userID, "conn", connID)
	return true, nil
}

// IsOnline fails open: a store error reads as offline.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	entries, err := r.kv.List(ctx, userPattern(userID))
	if err != nil {
		slog.Warn("Presence lookup failed, treating user as offline", "user", userID, "error", err)
		return false
	}
	return len(entries) > 0
}

// ListOnline returns every online user, sorted. Store errors yield an empty
// list.
func (r *Registry) ListOnline(ctx context.Context) []string {
	entries, err := r.kv.List(ctx, ">")
	if err != nil {
		slog.Warn("Presence list failed", "error", err)
		return nil
	}
	seen := make(map[string]bool)
	var users []string
	for _, e := range entries {
		tokens := kvstore.Split(e.Key)
		if len(tokens) != 2 {
			continue
		}
		user, err := kvstore.ParseToken(tokens[0])
		if err != nil || seen[user] {
			continue
		}
		seen[user] = true
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// NodesFor returns the distinct nodes holding a connection for userID.
func (r *Registry) NodesFor(ctx context.Context, userID string) ([]string, error) {
	entries, err := r.kv.List(ctx, userPattern(userID))
	if err != nil {
		return nil, fmt.Errorf("list connections of %s: %w", userID, err)
	}
	seen := make(map[string]bool)
	var nodes []string
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil || rec.NodeID == "" {
			slog.Debug("Skipping malformed presence record", "key", e.Key)
			continue
		}
		if !seen[rec.NodeID] {
			seen[rec.NodeID] = true
			nodes = append(nodes, rec.NodeID)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}
