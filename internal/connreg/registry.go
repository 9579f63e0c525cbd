// Package connreg maps users to the transport handles held by this process.
package connreg

import (
	"context"
	"sort"
	"sync"
)

// Handle is one live client connection owned by this process.
type Handle interface {
	// ID is unique among the handles of this process.
	ID() string
	// Send writes one text frame. An error means the transport is gone.
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Registry is a thread-safe map of userId → set of local handles. It never
// touches the coordination store.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Handle
}

func New() *Registry {
	return &Registry{conns: make(map[string]map[string]Handle)}
}

// Register binds h to userID. Multiple handles per user are kept side by side.
func (r *Registry) Register(userID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] == nil {
		r.conns[userID] = make(map[string]Handle)
	}
	r.conns[userID][h.ID()] = h
}

// Unregister removes h and returns how many local handles userID still has.
// Zero says nothing about other processes.
func (r *Registry) Unregister(userID string, h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles, ok := r.conns[userID]
	if !ok {
		return 0
	}
	delete(handles, h.ID())
	if len(handles) == 0 {
		delete(r.conns, userID)
		return 0
	}
	return len(handles)
}

// HandlesFor returns a snapshot of userID's local handles, possibly empty.
func (r *Registry) HandlesFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := r.conns[userID]
	if len(handles) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Users returns the users with at least one local handle.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for u := range r.conns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of local handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, handles := range r.conns {
		n += len(handles)
	}
	return n
}
