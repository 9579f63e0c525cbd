// Package kvtest provides helpers for exercising store failure paths.
package kvtest

import (
	"context"
	"sync/atomic"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Switch wraps a Bucket and fails every call with kvstore.ErrUnavailable
// while it is down.
type Switch struct {
	kvstore.Bucket
	down atomic.Bool
}

// NewSwitch wraps b in the up position.
func NewSwitch(b kvstore.Bucket) *Switch {
	return &Switch{Bucket: b}
}

func (s *Switch) Down() { s.down.Store(true) }
func (s *Switch) Up()   { s.down.Store(false) }

func (s *Switch) check() error {
	if s.down.Load() {
		return kvstore.ErrUnavailable
	}
	return nil
}

func (s *Switch) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	if err := s.check(); err != nil {
		return kvstore.Entry{}, err
	}
	return s.Bucket.Get(ctx, key)
}

func (s *Switch) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.Bucket.Put(ctx, key, value)
}

func (s *Switch) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.Bucket.Create(ctx, key, value)
}

func (s *Switch) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.Bucket.Update(ctx, key, value, revision)
}

func (s *Switch) Delete(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Bucket.Delete(ctx, key)
}

func (s *Switch) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Bucket.DeleteRevision(ctx, key, revision)
}

func (s *Switch) List(ctx context.Context, pattern string) ([]kvstore.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Bucket.List(ctx, pattern)
}

func (s *Switch) Compact(ctx context.Context, pattern string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Bucket.Compact(ctx, pattern)
}
