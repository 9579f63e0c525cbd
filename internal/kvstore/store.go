// Package kvstore is the coordination store shared by every realtime node.
//
// State lives in named buckets of keys. Keys are dot-separated tokens so a
// bucket can be listed by subject pattern ("*" matches one token, ">" the
// rest). All writes are single-key puts, deletes, or compare-and-set on a
// revision, which is enough for presence, membership, typing and the offline
// queue without any cross-key transaction.
package kvstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrKeyNotFound      = errors.New("kvstore: key not found")
	ErrKeyExists        = errors.New("kvstore: key exists")
	ErrRevisionMismatch = errors.New("kvstore: revision mismatch")
	ErrUnavailable      = errors.New("kvstore: coordination store unavailable")
)

// Entry is a single key with its latest value.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// Bucket is one keyspace of the coordination store.
type Bucket interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Create fails with ErrKeyExists when the key is live.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update fails with ErrRevisionMismatch unless revision is the key's latest.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
	DeleteRevision(ctx context.Context, key string, revision uint64) error
	// List returns the live entries whose key matches pattern.
	List(ctx context.Context, pattern string) ([]Entry, error)
	// Compact drops delete markers left behind under pattern.
	Compact(ctx context.Context, pattern string) error
}

// Token encodes an identifier as a single key token. Identifiers are opaque
// and may contain dots or other characters that are not valid in a key.
func Token(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// ParseToken reverses Token.
func ParseToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode key token %q: %w", token, err)
	}
	return string(b), nil
}

// Key joins already-encoded tokens.
func Key(tokens ...string) string {
	return strings.Join(tokens, ".")
}

// Split returns the tokens of a key.
func Split(key string) []string {
	return strings.Split(key, ".")
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Match reports whether key matches a subject pattern.
func Match(pattern, key string) bool {
	pt := Split(pattern)
	kt := Split(key)
	for i, p := range pt {
		if p == ">" {
			return len(kt) > i
		}
		if i >= len(kt) {
			return false
		}
		if p != "*" && p != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}
