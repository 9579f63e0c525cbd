// Package dispatch runs the per-connection protocol and routes events to
// their recipients.
//
// A recipient is reached on every handle it has on this node, once per
// remote node that holds one of its connections, and otherwise through the
// offline queue. Typing events are never queued.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/nats-chat-realtime/internal/connreg"
	"github.com/example/nats-chat-realtime/internal/offline"
	"github.com/example/nats-chat-realtime/internal/presence"
	"github.com/example/nats-chat-realtime/internal/protocol"
	"github.com/example/nats-chat-realtime/internal/relay"
	"github.com/example/nats-chat-realtime/internal/rooms"
	"github.com/example/nats-chat-realtime/internal/typing"
)

// Persister hands messages and read positions to the services that own them.
type Persister interface {
	PersistMessage(ctx context.Context, m protocol.Message) error
	MarkRead(ctx context.Context, userID, roomID string, lastRead int64) error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Registry  *connreg.Registry
	Presence  *presence.Registry
	Rooms     *rooms.Tracker
	Typing    *typing.Tracker
	Offline   *offline.Queue
	Relay     relay.Transport
	Persister Persister
}

// Config holds the Dispatcher settings.
type Config struct {
	NodeID string
	// CleanupTimeout bounds the close-time cleanup of a session.
	CleanupTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

// Dispatcher is shared by every session on a node.
type Dispatcher struct {
	Deps
	nodeID         string
	cleanupTimeout time.Duration
	now            func() time.Time
	newID          func() string
	metrics        *metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = newUUID
	}
	return &Dispatcher{
		Deps:           deps,
		nodeID:         cfg.NodeID,
		cleanupTimeout: cfg.CleanupTimeout,
		now:            cfg.Now,
		newID:          cfg.NewID,
		metrics:        newMetrics(),
		sessions:       make(map[string]*Session),
	}
}

// NodeID returns the id this node registers in presence records.
func (d *Dispatcher) NodeID() string { return d.nodeID }

func (d *Dispatcher) track(s *Session) {
	d.mu.Lock()
	d.sessions[s.handle.ID()] = s
	d.mu.Unlock()
	d.metrics.sessions.Add(context.Background(), 1)
}

func (d *Dispatcher) untrack(s *Session) {
	d.mu.Lock()
	_, ok := d.sessions[s.handle.ID()]
	delete(d.sessions, s.handle.ID())
	d.mu.Unlock()
	if ok {
		d.metrics.sessions.Add(context.Background(), -1)
	}
}

func (d *Dispatcher) snapshot() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// Outcome is how one recipient was reached.
type Outcome int

const (
	Undelivered Outcome = iota
	Delivered
	Relayed
	Queued
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Relayed:
		return "relayed"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "undelivered"
	}
}

// deliverLocal sends frame to every local handle of userID and returns how
// many accepted it. A handle that fails to send is closed; its own session
// cleanup runs from its read loop.
func (d *Dispatcher) deliverLocal(ctx context.Context, userID string, frame []byte) int {
	sent := 0
	for _, h := range d.Registry.HandlesFor(userID) {
		if err := h.Send(ctx, frame); err != nil {
			slog.Debug("Send failed, closing handle", "user", userID, "conn", h.ID(), "error", err)
			_ = h.Close()
			continue
		}
		sent++
	}
	return sent
}

// Deliver routes frame to userID. Queueable frames fall back to the offline
// queue when the user is reachable nowhere.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, frame []byte, queueable bool) Outcome {
	outcome := d.deliver(ctx, userID, frame, queueable)
	d.metrics.recordDelivery(ctx, outcome)
	return outcome
}

func (d *Dispatcher) deliver(ctx context.Context, userID string, frame []byte, queueable bool) Outcome {
	local := d.deliverLocal(ctx, userID, frame)

	nodes, err := d.Presence.NodesFor(ctx, userID)
	if err != nil {
		slog.Warn("Presence lookup failed during delivery", "user", userID, "error", err)
		nodes = nil
	}
	relayed := 0
	for _, node := range nodes {
		if node == d.nodeID {
			continue
		}
		env := relay.Envelope{UserID: userID, Frame: frame, Queueable: queueable, Origin: d.nodeID}
		if err := d.Relay.Publish(ctx, node, env); err != nil {
			slog.Warn("Relay publish failed", "user", userID, "node", node, "error", err)
			continue
		}
		relayed++
	}

	switch {
	case local > 0:
		return Delivered
	case relayed > 0:
		return Relayed
	case !queueable:
		return Dropped
	}
	return d.enqueue(ctx, userID, frame)
}

func (d *Dispatcher) enqueue(ctx context.Context, userID string, frame []byte) Outcome {
	if err := d.Offline.Enqueue(ctx, userID, frame); err != nil {
		slog.Warn("Offline enqueue failed, frame undelivered", "user", userID, "error", err)
		return Undelivered
	}
	return Queued
}

// HandleRelay delivers an envelope that another node routed here.
func (d *Dispatcher) HandleRelay(ctx context.Context, env relay.Envelope) {
	if d.deliverLocal(ctx, env.UserID, env.Frame) > 0 {
		d.metrics.recordDelivery(ctx, Delivered)
		return
	}
	// the user left this node after the sender looked them up
	if !env.Queueable {
		d.metrics.recordDelivery(ctx, Dropped)
		return
	}
	slog.Debug("Relayed frame found no local handle, queueing", "user", env.UserID, "origin", env.Origin)
	d.metrics.recordDelivery(ctx, d.enqueue(ctx, env.UserID, env.Frame))
}

// Revoke applies a participant removal from the room service: the user's
// connections stop viewing the room on every node, and local sessions
// forget it.
func (d *Dispatcher) Revoke(ctx context.Context, roomID, userID string) {
	if err := d.Rooms.Revoke(ctx, roomID, userID); err != nil {
		slog.Warn("Failed to revoke viewer", "room", roomID, "user", userID, "error", err)
	}
	for _, s := range d.snapshot() {
		if s.UserID() == userID {
			s.forgetRoom(roomID)
		}
	}
}

// RunHeartbeat renews the presence and viewer keys of every local session
// until ctx is done.
func (d *Dispatcher) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	failed := 0
	sessions := d.snapshot()
	for _, s := range sessions {
		userID, roomIDs, ok := s.live()
		if !ok {
			continue
		}
		if err := d.Presence.Refresh(ctx, userID, s.handle.ID()); err != nil {
			failed++
		}
		for _, roomID := range roomIDs {
			err := d.Rooms.JoinRoom(ctx, userID, s.handle.ID(), roomID)
			if errors.Is(err, rooms.ErrNotAParticipant) {
				s.forgetRoom(roomID)
			}
		}
	}
	if failed > 0 {
		slog.Warn("Heartbeat incomplete", "failed", failed, "sessions", len(sessions))
	}
}

// OnlineHere reports the number of local sessions.
func (d *Dispatcher) OnlineHere() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func encode(v any) []byte {
	data, err := protocol.Encode(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return nil
	}
	return data
}
