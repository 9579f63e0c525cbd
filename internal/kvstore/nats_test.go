package kvstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV stands in for a JetStream bucket. Methods not overridden panic
// through the nil embedded interface.
type fakeKV struct {
	jetstream.KeyValue
	err        error
	calls      int
	entries    []jetstream.KeyValueEntry
	deleteOpts int
}

func (f *fakeKV) Bucket() string { return "TEST" }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &fakeEntry{key: key, value: []byte("v"), rev: 1, op: jetstream.KeyValuePut}, nil
}

func (f *fakeKV) Put(context.Context, string, []byte) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func (f *fakeKV) Create(context.Context, string, []byte) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func (f *fakeKV) Update(_ context.Context, _ string, _ []byte, rev uint64) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return rev + 1, nil
}

func (f *fakeKV) Delete(_ context.Context, _ string, opts ...jetstream.KVDeleteOpt) error {
	f.calls++
	f.deleteOpts = len(opts)
	return f.err
}

// Watch delivers the snapshot followed by the nil marker. Any option is
// taken to be IgnoreDeletes, the only one the adapter passes.
func (f *fakeKV) Watch(_ context.Context, _ string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan jetstream.KeyValueEntry, len(f.entries)+1)
	for _, e := range f.entries {
		if len(opts) > 0 && e.Operation() != jetstream.KeyValuePut {
			continue
		}
		ch <- e
	}
	ch <- nil
	return &fakeWatcher{ch: ch}, nil
}

type fakeWatcher struct {
	ch      chan jetstream.KeyValueEntry
	stopped bool
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.ch }

func (w *fakeWatcher) Stop() error {
	w.stopped = true
	return nil
}

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
	op    jetstream.KeyValueOp
}

func (e *fakeEntry) Bucket() string                  { return "TEST" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.rev }
func (e *fakeEntry) Created() time.Time              { return time.Unix(0, 0) }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeStream struct {
	err  error
	reqs []jetstream.StreamPurgeRequest
}

func (s *fakeStream) Purge(_ context.Context, opts ...jetstream.StreamPurgeOpt) error {
	var req jetstream.StreamPurgeRequest
	for _, opt := range opts {
		if err := opt(&req); err != nil {
			return err
		}
	}
	s.reqs = append(s.reqs, req)
	return s.err
}

func newTestNATSBucket(kv *fakeKV, cb *CircuitBreaker) (*natsBucket, *fakeStream) {
	if cb == nil {
		cb = NewCircuitBreaker(5, time.Minute)
	}
	stream := &fakeStream{}
	return &natsBucket{kv: kv, stream: stream, prefix: "$KV.TEST.", breaker: cb}, stream
}

var errWrongLastSequence = &jetstream.APIError{
	Code:        400,
	ErrorCode:   jetstream.JSErrCodeStreamWrongLastSequence,
	Description: "wrong last sequence: 4",
}

func TestNATSBucket_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		call func(b Bucket) error
		want error
	}{
		{"get missing", jetstream.ErrKeyNotFound, func(b Bucket) error {
			_, err := b.Get(ctx, "k")
			return err
		}, ErrKeyNotFound},
		{"get deleted", jetstream.ErrKeyDeleted, func(b Bucket) error {
			_, err := b.Get(ctx, "k")
			return err
		}, ErrKeyNotFound},
		{"create existing", fmt.Errorf("%w: key exists", jetstream.ErrKeyExists), func(b Bucket) error {
			_, err := b.Create(ctx, "k", nil)
			return err
		}, ErrKeyExists},
		{"update stale revision", errWrongLastSequence, func(b Bucket) error {
			_, err := b.Update(ctx, "k", nil, 3)
			return err
		}, ErrRevisionMismatch},
		{"update missing key", jetstream.ErrKeyNotFound, func(b Bucket) error {
			_, err := b.Update(ctx, "k", nil, 3)
			return err
		}, ErrRevisionMismatch},
		{"delete missing key", jetstream.ErrKeyNotFound, func(b Bucket) error {
			return b.Delete(ctx, "k")
		}, nil},
		{"delete stale revision", errWrongLastSequence, func(b Bucket) error {
			return b.DeleteRevision(ctx, "k", 3)
		}, ErrRevisionMismatch},
		{"delete revision of missing key", jetstream.ErrKeyNotFound, func(b Bucket) error {
			return b.DeleteRevision(ctx, "k", 3)
		}, ErrRevisionMismatch},
		{"server failure", errors.New("nats: no responders available for request"), func(b Bucket) error {
			_, err := b.Put(ctx, "k", nil)
			return err
		}, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestNATSBucket(&fakeKV{err: tt.err}, nil)
			err := tt.call(b)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.want != ErrUnavailable {
				assert.Equal(t, CircuitBreakerClosed, b.breaker.State(), "answers from the store keep the breaker closed")
				assert.Zero(t, b.breaker.failures.Load())
			}
		})
	}
}

func TestNATSBucket_DeleteRevisionPinsRevision(t *testing.T) {
	kv := &fakeKV{}
	b, _ := newTestNATSBucket(kv, nil)

	require.NoError(t, b.Delete(context.Background(), "k"))
	assert.Zero(t, kv.deleteOpts)

	require.NoError(t, b.DeleteRevision(context.Background(), "k", 9))
	assert.Equal(t, 1, kv.deleteOpts)
}

func TestNATSBucket_BreakerOpensAfterFailures(t *testing.T) {
	kv := &fakeKV{err: errors.New("nats: connection closed")}
	b, _ := newTestNATSBucket(kv, NewCircuitBreaker(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Put(ctx, "k", nil)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, CircuitBreakerOpen, b.breaker.State())

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, kv.calls, "an open breaker refuses calls without reaching the store")
}

func TestNATSBucket_CanceledProbeDoesNotWedgeBreaker(t *testing.T) {
	kv := &fakeKV{err: errors.New("nats: timeout")}
	b, _ := newTestNATSBucket(kv, NewCircuitBreaker(1, 10*time.Millisecond))

	_, err := b.Put(context.Background(), "k", nil)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, CircuitBreakerOpen, b.breaker.State())
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	kv.err = context.Canceled
	_, err = b.Put(ctx, "k", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitBreakerOpen, b.breaker.State(), "an abandoned probe hands the slot back")

	kv.err = nil
	rev, err := b.Put(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)
	assert.Equal(t, CircuitBreakerClosed, b.breaker.State())
}

func TestNATSBucket_ListSkipsDeleteMarkers(t *testing.T) {
	kv := &fakeKV{entries: []jetstream.KeyValueEntry{
		&fakeEntry{key: "r.a", value: []byte("1"), rev: 3, op: jetstream.KeyValuePut},
		&fakeEntry{key: "r.b", rev: 5, op: jetstream.KeyValueDelete},
	}}
	b, _ := newTestNATSBucket(kv, nil)

	got, err := b.List(context.Background(), "r.*")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r.a", got[0].Key)
	assert.Equal(t, []byte("1"), got[0].Value)
	assert.Equal(t, uint64(3), got[0].Revision)
}

func TestNATSBucket_CompactPurgesMarkersUpToTheirRevision(t *testing.T) {
	kv := &fakeKV{entries: []jetstream.KeyValueEntry{
		&fakeEntry{key: "r.a", value: []byte("1"), rev: 3, op: jetstream.KeyValuePut},
		&fakeEntry{key: "r.b", rev: 7, op: jetstream.KeyValueDelete},
		&fakeEntry{key: "r.c", rev: 9, op: jetstream.KeyValuePurge},
	}}
	b, stream := newTestNATSBucket(kv, nil)

	require.NoError(t, b.Compact(context.Background(), "r.*"))
	require.Len(t, stream.reqs, 2)
	assert.Equal(t, "$KV.TEST.r.b", stream.reqs[0].Subject)
	assert.Equal(t, uint64(8), stream.reqs[0].Sequence)
	assert.Equal(t, "$KV.TEST.r.c", stream.reqs[1].Subject)
	assert.Equal(t, uint64(10), stream.reqs[1].Sequence)
	for _, req := range stream.reqs {
		assert.Zero(t, req.Keep)
	}
}

func TestNATSBucket_CompactFailure(t *testing.T) {
	kv := &fakeKV{entries: []jetstream.KeyValueEntry{
		&fakeEntry{key: "r.b", rev: 7, op: jetstream.KeyValueDelete},
	}}
	b, stream := newTestNATSBucket(kv, nil)
	stream.err = errors.New("nats: timeout")

	err := b.Compact(context.Background(), "r.*")
	assert.ErrorIs(t, err, ErrUnavailable)
}
