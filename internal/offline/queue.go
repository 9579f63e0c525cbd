// Package offline buffers frames for users who could not be reached.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/nats-chat-realtime/internal/kvstore"
)

// Bucket is the name of the offline queue bucket.
const Bucket = "OFFLINE_QUEUE"

// DefaultCapacity bounds each user's queue.
const DefaultCapacity = 100

const maxAttempts = 16

// ErrContention is returned when a compare-and-set loop keeps losing.
var ErrContention = errors.New("offline: queue update contention")

// Queue is a bounded FIFO per user. The whole queue is one key holding a JSON
// array; every change is a compare-and-set on the key's revision so writers on
// different nodes never overwrite each other.
type Queue struct {
	kv       kvstore.Bucket
	capacity int
}

func New(kv kvstore.Bucket, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{kv: kv, capacity: capacity}
}

func (q *Queue) read(ctx context.Context, key string) ([]json.RawMessage, uint64, error) {
	e, err := q.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(e.Value, &frames); err != nil {
		slog.Warn("Discarding corrupt offline queue", "key", key, "error", err)
		return nil, e.Revision, nil
	}
	return frames, e.Revision, nil
}

// Enqueue appends frame to userID's queue. Once the queue holds more than the
// capacity the oldest frames are dropped.
func (q *Queue) Enqueue(ctx context.Context, userID string, frame []byte) error {
	if !json.Valid(frame) {
		return fmt.Errorf("enqueue for %s: frame is not valid JSON", userID)
	}
	key := kvstore.Token(userID)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		frames, rev, err := q.read(ctx, key)
		missing := errors.Is(err, kvstore.ErrKeyNotFound)
		if err != nil && !missing {
			return fmt.Errorf("enqueue for %s: %w", userID, err)
		}

		frames = append(frames, json.RawMessage(frame))
		if over := len(frames) - q.capacity; over > 0 {
			slog.Debug("Offline queue full, dropping oldest", "user", userID, "dropped", over)
			frames = frames[over:]
		}
		data, err := json.Marshal(frames)
		if err != nil {
			return err
		}

		if missing {
			_, err = q.kv.Create(ctx, key, data)
		} else {
			_, err = q.kv.Update(ctx, key, data, rev)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kvstore.ErrKeyExists), errors.Is(err, kvstore.ErrRevisionMismatch):
			continue
		default:
			return fmt.Errorf("enqueue for %s: %w", userID, err)
		}
	}
	return ErrContention
}

// Drain returns userID's queued frames oldest first and clears the queue.
// A frame enqueued while the drain runs is either returned or left queued,
// never lost.
func (q *Queue) Drain(ctx context.Context, userID string) ([]json.RawMessage, error) {
	key := kvstore.Token(userID)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		frames, rev, err := q.read(ctx, key)
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("drain for %s: %w", userID, err)
		}
		err = q.kv.DeleteRevision(ctx, key, rev)
		switch {
		case err == nil:
			return frames, nil
		case errors.Is(err, kvstore.ErrRevisionMismatch):
			continue
		default:
			return nil, fmt.Errorf("drain for %s: %w", userID, err)
		}
	}
	return nil, ErrContention
}

// Count returns the number of frames waiting for userID.
func (q *Queue) Count(ctx context.Context, userID string) (int, error) {
	frames, _, err := q.read(ctx, kvstore.Token(userID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count for %s: %w", userID, err)
	}
	return len(frames), nil
}
