package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value    []byte
	revision uint64
	created  time.Time
}

// MemoryBucket is a process-local Bucket. It backs single-node deployments
// and tests, and expires keys after ttl the same way a NATS bucket does.
type MemoryBucket struct {
	mu      sync.Mutex
	name    string
	ttl     time.Duration
	now     func() time.Time
	seq     uint64
	entries map[string]memEntry
}

// MemoryOption configures a MemoryBucket.
type MemoryOption func(*MemoryBucket)

// WithClock replaces time.Now, so tests can move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBucket) {
		b.now = now
	}
}

// NewMemoryBucket creates an empty bucket. A zero ttl never expires keys.
func NewMemoryBucket(name string, ttl time.Duration, opts ...MemoryOption) *MemoryBucket {
	b := &MemoryBucket{
		name:    name,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBucket) Name() string { return b.name }

// live returns the entry for key, dropping it if its ttl has lapsed.
// Callers hold b.mu.
func (b *MemoryBucket) live(key string) (memEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if b.ttl > 0 && b.now().Sub(e.created) >= b.ttl {
		delete(b.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (b *MemoryBucket) store(key string, value []byte) uint64 {
	b.seq++
	cp := make([]byte, len(value))
	copy(cp, value)
	b.entries[key] = memEntry{value: cp, revision: b.seq, created: b.now()}
	return b.seq
}

func (b *MemoryBucket) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return toEntry(key, e), nil
}

func (b *MemoryBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store(key, value), nil
}

func (b *MemoryBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(key); ok {
		return 0, ErrKeyExists
	}
	return b.store(key, value), nil
}

func (b *MemoryBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return b.store(key, value), nil
}

func (b *MemoryBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBucket) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok || e.revision != revision {
		return ErrRevisionMismatch
	}
	delete(b.entries, key)
	return nil
}

func (b *MemoryBucket) List(ctx context.Context, pattern string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for key := range b.entries {
		if !Match(pattern, key) {
			continue
		}
		if e, ok := b.live(key); ok {
			out = append(out, toEntry(key, e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

// Compact is a no-op: deleted keys leave nothing behind in memory.
func (b *MemoryBucket) Compact(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Len returns the number of live keys.
func (b *MemoryBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key := range b.entries {
		if _, ok := b.live(key); ok {
			n++
		}
	}
	return n
}

func toEntry(key string, e memEntry) Entry {
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return Entry{Key: key, Value: cp, Revision: e.revision, Created: e.created}
}
