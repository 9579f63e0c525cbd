package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var storeFailures, _ = otel.Meter("realtime-service").Int64Counter("realtime_store_failures_total",
	metric.WithDescription("Coordination store calls that failed or were refused by the breaker"))

// BucketConfig describes a JetStream KeyValue bucket.
type BucketConfig struct {
	Name string
	// TTL expires keys that are not rewritten in time. Zero keeps them.
	TTL time.Duration
	// Durable selects file storage; buckets default to memory storage.
	Durable bool
}

// natsBucket adapts a JetStream KeyValue bucket to Bucket. Every call goes
// through the breaker so a dead server turns into fast ErrUnavailable.
type natsBucket struct {
	kv      jetstream.KeyValue
	stream  purger
	prefix  string
	breaker *CircuitBreaker
}

// purger is the slice of jetstream.Stream that Compact needs.
type purger interface {
	Purge(ctx context.Context, opts ...jetstream.StreamPurgeOpt) error
}

// OpenNATS creates the bucket if needed and returns it as a Bucket.
func OpenNATS(ctx context.Context, js jetstream.JetStream, cfg BucketConfig, breaker *CircuitBreaker) (Bucket, error) {
	storage := jetstream.MemoryStorage
	if cfg.Durable {
		storage = jetstream.FileStorage
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Name,
		History: 1,
		TTL:     cfg.TTL,
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("create KV bucket %s: %w", cfg.Name, err)
	}
	stream, err := js.Stream(ctx, "KV_"+cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("lookup KV stream %s: %w", cfg.Name, err)
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 5*time.Second)
	}
	slog.Info("NATS KV bucket ready", "bucket", cfg.Name, "ttl", cfg.TTL)
	return &natsBucket{kv: kv, stream: stream, prefix: "$KV." + cfg.Name + ".", breaker: breaker}, nil
}

func (b *natsBucket) Name() string { return b.kv.Bucket() }

// call runs fn under the breaker and maps JetStream errors onto ours.
// conflict is returned when JetStream reports a wrong last sequence.
func (b *natsBucket) call(ctx context.Context, conflict error, fn func() error) error {
	if !b.breaker.Allow() {
		b.recordFailure(ctx, "breaker_open")
		return ErrUnavailable
	}
	err := fn()
	switch {
	case err == nil:
		b.breaker.RecordSuccess()
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		b.breaker.RecordSuccess()
		return ErrKeyNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		b.breaker.RecordSuccess()
		return conflict
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.breaker.Release()
		return err
	default:
		b.breaker.RecordFailure()
		b.recordFailure(ctx, "error")
		slog.Warn("KV operation failed", "bucket", b.kv.Bucket(), "error", err, "breaker", b.breaker.State())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (b *natsBucket) Get(ctx context.Context, key string) (Entry, error) {
	var out Entry
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		e, err := b.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		out = fromNATS(e)
		return nil
	})
	return out, err
}

func (b *natsBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	var rev uint64
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		var err error
		rev, err = b.kv.Put(ctx, key, value)
		return err
	})
	return rev, err
}

func (b *natsBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	var rev uint64
	err := b.call(ctx, ErrKeyExists, func() error {
		var err error
		rev, err = b.kv.Create(ctx, key, value)
		return err
	})
	return rev, err
}

func (b *natsBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	var rev uint64
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		var err error
		rev, err = b.kv.Update(ctx, key, value, revision)
		return err
	})
	if errors.Is(err, ErrKeyNotFound) {
		return 0, ErrRevisionMismatch
	}
	return rev, err
}

func (b *natsBucket) Delete(ctx context.Context, key string) error {
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		return b.kv.Delete(ctx, key)
	})
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *natsBucket) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		return b.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	})
	if errors.Is(err, ErrKeyNotFound) {
		return ErrRevisionMismatch
	}
	return err
}

func (b *natsBucket) List(ctx context.Context, pattern string) ([]Entry, error) {
	var out []Entry
	err := b.call(ctx, ErrRevisionMismatch, func() error {
		entries, err := b.watchInitial(ctx, pattern, jetstream.IgnoreDeletes())
		if err != nil {
			return err
		}
		for _, e := range entries {
			out = append(out, fromNATS(e))
		}
		return nil
	})
	return out, err
}

// Compact drops delete markers under pattern from the stream. Each purge is
// limited to the marker's subject and stops at the marker's sequence, so a
// key rewritten in the meantime keeps its new value.
func (b *natsBucket) Compact(ctx context.Context, pattern string) error {
	return b.call(ctx, ErrRevisionMismatch, func() error {
		entries, err := b.watchInitial(ctx, pattern)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Operation() == jetstream.KeyValuePut {
				continue
			}
			err := b.stream.Purge(ctx,
				jetstream.WithPurgeSubject(b.prefix+e.Key()),
				jetstream.WithPurgeSequence(e.Revision()+1),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// watchInitial collects the current values under pattern and stops at the
// nil marker JetStream sends once the initial snapshot is delivered.
func (b *natsBucket) watchInitial(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error) {
	watcher, err := b.kv.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	var entries []jetstream.KeyValueEntry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				return entries, nil
			}
			entries = append(entries, entry)
		}
	}
}

func (b *natsBucket) recordFailure(ctx context.Context, reason string) {
	storeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", b.kv.Bucket()),
		attribute.String("reason", reason),
	))
}

func fromNATS(e jetstream.KeyValueEntry) Entry {
	return Entry{
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Created:  e.Created(),
	}
}
