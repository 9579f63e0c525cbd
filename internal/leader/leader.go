// Package leader elects one node to run cluster-wide housekeeping.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Bucket is the name of the election bucket. Its TTL must be longer than the
// heartbeat so a live leader never expires.
const Bucket = "REALTIME_LEADER"

// Election holds one key; whoever created it and keeps renewing it leads.
type Election struct {
	kv           kvstore.Bucket
	instanceID   string
	key          string
	heartbeatInt time.Duration
	isLeader     atomic.Bool
	revision     atomic.Uint64
}

func New(kv kvstore.Bucket, key, instanceID string, heartbeatInt time.Duration) *Election {
	return &Election{
		kv:           kv,
		instanceID:   instanceID,
		key:          key,
		heartbeatInt: heartbeatInt,
	}
}

func (le *Election) InstanceID() string {
	return le.instanceID
}

func (le *Election) IsLeader() bool {
	return le.isLeader.Load()
}

// Run campaigns and renews until ctx is done, then steps down.
func (le *Election) Run(ctx context.Context) error {
	ticker := time.NewTicker(le.heartbeatInt)
	defer ticker.Stop()

	le.tryBecomeLeader(ctx)
	for {
		select {
		case <-ctx.Done():
			le.stepDown()
			return nil
		case <-ticker.C:
			if le.isLeader.Load() {
				le.renewLeadership(ctx)
			} else {
				le.tryBecomeLeader(ctx)
			}
		}
	}
}

func (le *Election) tryBecomeLeader(ctx context.Context) {
	rev, err := le.kv.Create(ctx, le.key, []byte(le.instanceID))
	if err == nil {
		le.revision.Store(rev)
		le.isLeader.Store(true)
		slog.Info("Became leader", "instance_id", le.instanceID, "key", le.key)
		return
	}
	if !errors.Is(err, kvstore.ErrKeyExists) {
		slog.Debug("Leader campaign failed, will retry", "error", err)
		return
	}

	entry, err := le.kv.Get(ctx, le.key)
	if err != nil {
		slog.Debug("No current leader, will retry", "error", err)
		return
	}
	if string(entry.Value) == le.instanceID {
		le.revision.Store(entry.Revision)
		le.isLeader.Store(true)
	}
}

func (le *Election) renewLeadership(ctx context.Context) {
	rev, err := le.kv.Update(ctx, le.key, []byte(le.instanceID), le.revision.Load())
	if err == nil {
		le.revision.Store(rev)
		return
	}
	if errors.Is(err, kvstore.ErrRevisionMismatch) {
		slog.Warn("Lost leadership", "instance_id", le.instanceID)
	} else {
		slog.Warn("Failed to renew leadership", "instance_id", le.instanceID, "error", err)
	}
	le.isLeader.Store(false)
}

func (le *Election) stepDown() {
	if !le.isLeader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := le.kv.DeleteRevision(ctx, le.key, le.revision.Load()); err == nil {
		slog.Info("Stepped down as leader", "instance_id", le.instanceID)
	}
}
