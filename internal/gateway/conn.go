package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// wsHandle is the connreg.Handle of one websocket. Sends come from the
// connection's own goroutine and from fan-out on other goroutines, so writes
// are serialized.
type wsHandle struct {
	id        string
	conn      *websocket.Conn
	timeout   time.Duration
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSHandle(conn *websocket.Conn, timeout time.Duration) *wsHandle {
	return &wsHandle{id: uuid.NewString(), conn: conn, timeout: timeout}
}

func (h *wsHandle) ID() string { return h.id }

// Send writes one text frame. A slow reader fails the write at the deadline
// instead of stalling the sender.
func (h *wsHandle) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.SetWriteDeadline(deadline)
	return websocket.Message.Send(h.conn, string(frame))
}

// Close closes the socket once. The read loop then fails and runs the
// session's close transition.
func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}
