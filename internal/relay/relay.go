// Package relay carries frames to the node that holds a recipient's socket.
//
// Each node subscribes to its own subject and receives envelopes addressed
// to users connected there. Delivery is fire-and-forget.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

// SubjectPrefix is followed by the node id.
const SubjectPrefix = "realtime.deliver."

func Subject(nodeID string) string {
	return SubjectPrefix + nodeID
}

// Envelope is one frame for one user on a remote node.
type Envelope struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
	// Queueable frames go to the offline queue if the user turns out to
	// have no handle on the receiving node.
	Queueable bool   `json:"queueable"`
	Origin    string `json:"origin"`
}

// Handler receives envelopes addressed to this node.
type Handler func(ctx context.Context, env Envelope)

// Transport publishes to other nodes and receives for this one.
type Transport interface {
	Publish(ctx context.Context, nodeID string, env Envelope) error
	Subscribe(nodeID string, h Handler) (unsubscribe func(), err error)
}

// NATS relays over core NATS subjects with trace context in headers.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

func (n *NATS) Publish(ctx context.Context, nodeID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := otelhelper.TracedPublish(ctx, n.nc, Subject(nodeID), data); err != nil {
		return fmt.Errorf("relay to %s: %w", nodeID, err)
	}
	return nil
}

func (n *NATS) Subscribe(nodeID string, h Handler) (func(), error) {
	sub, err := n.nc.Subscribe(Subject(nodeID), func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "relay deliver")
		defer span.End()

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.UserID == "" {
			slog.WarnContext(ctx, "Invalid relay envelope", "subject", msg.Subject, "error", err)
			return
		}
		h(ctx, env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(nodeID), err)
	}
	slog.Info("Subscribed to relay subject", "subject", Subject(nodeID))
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("Relay unsubscribe failed", "error", err)
		}
	}, nil
}

// Bus is an in-process Transport for single-node deployments and tests.
// Publish calls the handler synchronously.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

func (b *Bus) Publish(ctx context.Context, nodeID string, env Envelope) error {
	b.mu.RLock()
	h, ok := b.handlers[nodeID]
	b.mu.RUnlock()
	if !ok {
		slog.Debug("No relay subscriber for node", "node", nodeID)
		return nil
	}
	// round-trip through JSON so handlers see what NATS would deliver
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	h(ctx, out)
	return nil
}

func (b *Bus) Subscribe(nodeID string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[nodeID]; exists {
		return nil, fmt.Errorf("node %s already subscribed", nodeID)
	}
	b.handlers[nodeID] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, nodeID)
		b.mu.Unlock()
	}, nil
}
