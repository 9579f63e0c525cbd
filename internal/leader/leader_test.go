package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/internal/kvstore"
	"github.com/example/nats-chat-realtime/internal/kvstore/kvtest"
)

func TestElection_SingleLeader(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryBucket(Bucket, 0)
	a := New(kv, "typing-sweeper", "a", time.Second)
	b := New(kv, "typing-sweeper", "b", time.Second)

	a.tryBecomeLeader(ctx)
	b.tryBecomeLeader(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	a.renewLeadership(ctx)
	assert.True(t, a.IsLeader())

	a.stepDown()
	assert.False(t, a.IsLeader())

	b.tryBecomeLeader(ctx)
	assert.True(t, b.IsLeader())
}

func TestElection_TakeoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := kvtest.NewClock(time.Unix(0, 0))
	kv := kvstore.NewMemoryBucket(Bucket, 15*time.Second, kvstore.WithClock(clock.Now))
	a := New(kv, "k", "a", 5*time.Second)
	b := New(kv, "k", "b", 5*time.Second)

	a.tryBecomeLeader(ctx)
	require.True(t, a.IsLeader())

	// a stalls past the TTL
	clock.Advance(20 * time.Second)
	b.tryBecomeLeader(ctx)
	assert.True(t, b.IsLeader())

	a.renewLeadership(ctx)
	assert.False(t, a.IsLeader())

	// a stale step-down must not remove b's key
	a.isLeader.Store(true)
	a.stepDown()
	e, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(e.Value))
}

func TestElection_RunStepsDown(t *testing.T) {
	kv := kvstore.NewMemoryBucket(Bucket, 0)
	le := New(kv, "k", "a", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- le.Run(ctx) }()

	assert.Eventually(t, le.IsLeader, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, le.IsLeader())
	assert.Equal(t, 0, kv.Len())
}

func TestElection_StoreDown(t *testing.T) {
	ctx := context.Background()
	sw := kvtest.NewSwitch(kvstore.NewMemoryBucket(Bucket, 0))
	le := New(sw, "k", "a", time.Second)

	le.tryBecomeLeader(ctx)
	require.True(t, le.IsLeader())

	sw.Down()
	le.renewLeadership(ctx)
	assert.False(t, le.IsLeader())
}
