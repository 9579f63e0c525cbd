package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/example/nats-chat-realtime/internal/connreg"
	"github.com/example/nats-chat-realtime/internal/dispatch"
	"github.com/example/nats-chat-realtime/internal/kvstore"
	"github.com/example/nats-chat-realtime/internal/offline"
	"github.com/example/nats-chat-realtime/internal/presence"
	"github.com/example/nats-chat-realtime/internal/protocol"
	"github.com/example/nats-chat-realtime/internal/relay"
	"github.com/example/nats-chat-realtime/internal/rooms"
	"github.com/example/nats-chat-realtime/internal/typing"
)

type nopPersister struct{}

func (nopPersister) PersistMessage(context.Context, protocol.Message) error  { return nil }
func (nopPersister) MarkRead(context.Context, string, string, int64) error { return nil }

type fakeAuth struct {
	userID string
	err    error
}

func (f fakeAuth) Authenticate(*http.Request) (string, error) { return f.userID, f.err }

func newTestDispatcher(participants map[string][]string) *dispatch.Dispatcher {
	dir := rooms.DirectoryFunc(func(_ context.Context, roomID string) ([]string, error) {
		return participants[roomID], nil
	})
	return dispatch.New(dispatch.Config{NodeID: "n1"}, dispatch.Deps{
		Registry:  connreg.New(),
		Presence:  presence.New(kvstore.NewMemoryBucket(presence.Bucket, presence.DefaultTTL), "n1"),
		Rooms:     rooms.New(kvstore.NewMemoryBucket(rooms.Bucket, rooms.DefaultTTL), dir),
		Typing:    typing.New(kvstore.NewMemoryBucket(typing.Bucket, 0)),
		Offline:   offline.New(kvstore.NewMemoryBucket(offline.Bucket, 0), 0),
		Relay:     relay.NewBus(),
		Persister: nopPersister{},
	})
}

func startServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, err := dialErr(srv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialErr(srv *httptest.Server) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return websocket.Dial(wsURL, "", srv.URL)
}

func write(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, websocket.Message.Send(conn, string(data)))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	require.NoError(t, websocket.Message.Receive(conn, &data))
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntilClosed drains frames until the server closes the socket and
// returns what it saw.
func readUntilClosed(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection was not closed by the server")
			}
			return frames
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
	}
}

func register(t *testing.T, conn *websocket.Conn, userID string) map[string]any {
	t.Helper()
	write(t, conn, map[string]any{"type": "register", "userId": userID})
	got := read(t, conn)
	require.Equal(t, "registered", got["type"])
	return got
}

func TestUp(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{}))

	resp, err := http.Get(srv.URL + "/up")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "n1", resp.Header.Get("X-Node-Id"))
}

func TestWSRejectsNonGet(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{}))

	resp, err := http.Post(srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMessageBetweenSockets(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(map[string][]string{"general": {"alice", "bob"}}), nil, Options{}))

	alice := dial(t, srv)
	bob := dial(t, srv)
	reg := register(t, alice, "alice")
	assert.NotEmpty(t, reg["connId"])
	register(t, bob, "bob")

	write(t, alice, map[string]any{"type": "joinRoom", "roomId": "general"})
	assert.Equal(t, "joined", read(t, alice)["type"])

	write(t, alice, map[string]any{"type": "message", "roomId": "general", "content": "hello bob", "requestId": "r1"})
	receipt := read(t, alice)
	assert.Equal(t, "receipt", receipt["type"])
	assert.EqualValues(t, 1, receipt["delivered"])

	msg := read(t, bob)
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "hello bob", msg["content"])
	assert.Equal(t, "alice", msg["userId"])
}

func TestAuthentication(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		srv := startServer(t, New(newTestDispatcher(nil), fakeAuth{err: errors.New("bad token")}, Options{}))
		_, err := dialErr(srv)
		assert.Error(t, err)
	})

	t.Run("register must match", func(t *testing.T) {
		srv := startServer(t, New(newTestDispatcher(nil), fakeAuth{userID: "alice"}, Options{}))
		conn := dial(t, srv)

		write(t, conn, map[string]any{"type": "register", "userId": "bob"})
		got := read(t, conn)
		assert.Equal(t, "error", got["type"])
		assert.Equal(t, "FORBIDDEN", got["code"])

		register(t, conn, "alice")
	})
}

func TestRepeatedInvalidFramesCloseConnection(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{}))
	conn := dial(t, srv)

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		require.NoError(t, websocket.Message.Send(conn, "{not json"))
	}
	frames := readUntilClosed(t, conn)
	require.Len(t, frames, maxDecodeErrorsPerConn)
	for _, f := range frames {
		assert.Equal(t, "PROTOCOL_ERROR", f["code"])
	}
}

func TestValidFrameResetsDecodeErrors(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{}))
	conn := dial(t, srv)

	for i := 0; i < maxDecodeErrorsPerConn-1; i++ {
		require.NoError(t, websocket.Message.Send(conn, "{not json"))
		assert.Equal(t, "PROTOCOL_ERROR", read(t, conn)["code"])
	}
	register(t, conn, "alice")
	require.NoError(t, websocket.Message.Send(conn, "{not json"))
	assert.Equal(t, "PROTOCOL_ERROR", read(t, conn)["code"])

	write(t, conn, map[string]any{"type": "joinRoom", "roomId": "nowhere"})
	assert.Equal(t, "NOT_A_PARTICIPANT", read(t, conn)["code"], "connection is still open")
}

func TestOversizedFrame(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{}))
	conn := dial(t, srv)

	require.NoError(t, websocket.Message.Send(conn, strings.Repeat("x", MaxPayloadBytes+1)))
	got := read(t, conn)
	assert.Equal(t, "PROTOCOL_ERROR", got["code"])

	register(t, conn, "alice")
}

func TestFrameRateLimit(t *testing.T) {
	srv := startServer(t, New(newTestDispatcher(nil), nil, Options{MaxFramesPerSecond: 2}))
	conn := dial(t, srv)

	for i := 0; i < 3; i++ {
		write(t, conn, map[string]any{"type": "joinRoom", "roomId": "general"})
	}
	frames := readUntilClosed(t, conn)
	require.NotEmpty(t, frames)
	assert.Equal(t, "RATE_LIMITED", frames[len(frames)-1]["code"])
}

func TestDisconnectCleansUp(t *testing.T) {
	d := newTestDispatcher(map[string][]string{"general": {"alice"}})
	srv := startServer(t, New(d, nil, Options{}))

	conn := dial(t, srv)
	register(t, conn, "alice")
	write(t, conn, map[string]any{"type": "joinRoom", "roomId": "general"})
	read(t, conn)
	require.True(t, d.Presence.IsOnline(context.Background(), "alice"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !d.Presence.IsOnline(context.Background(), "alice") && d.OnlineHere() == 0
	}, 2*time.Second, 10*time.Millisecond)

	viewers, err := d.Rooms.ActiveViewersOf(context.Background(), "general")
	require.NoError(t, err)
	assert.Empty(t, viewers)
}

func TestCloseAll(t *testing.T) {
	d := newTestDispatcher(nil)
	g := New(d, nil, Options{})
	srv := startServer(t, g)

	conn := dial(t, srv)
	register(t, conn, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.CloseAll(ctx))
	assert.Equal(t, 0, d.OnlineHere())
	assert.False(t, d.Presence.IsOnline(context.Background(), "alice"))
	readUntilClosed(t, conn)
}

func TestFrameWindow(t *testing.T) {
	now := time.Unix(0, 0)
	w := newFrameWindow(2, func() time.Time { return now })

	assert.True(t, w.allow())
	assert.True(t, w.allow())
	assert.False(t, w.allow())

	now = now.Add(time.Second)
	assert.True(t, w.allow())
}
