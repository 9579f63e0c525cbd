package roomsvc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/internal/protocol"
)

func TestChatMessageOf(t *testing.T) {
	m := protocol.Message{
		Type:      protocol.TypeMessage,
		MessageID: "m1",
		RoomID:    "general",
		UserID:    "alice",
		Content:   "hi",
		Timestamp: 1700000000000,
	}
	data, err := json.Marshal(chatMessageOf(m))
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice","text":"hi","timestamp":1700000000000,"room":"general"}`, string(data))
}

func TestParseRoomChanged(t *testing.T) {
	evt, err := parseRoomChanged([]byte(`{"room":"general","action":"leave","userId":"bob"}`))
	require.NoError(t, err)
	assert.Equal(t, RoomChangedEvent{Room: "general", Action: "leave", UserId: "bob"}, evt)

	_, err = parseRoomChanged([]byte(`{"action":"join","userId":"bob"}`))
	assert.Error(t, err)

	_, err = parseRoomChanged([]byte(`not json`))
	assert.Error(t, err)
}

func TestClientRejectsRoomsOutsideOneSubjectToken(t *testing.T) {
	// no connection: every call must fail before touching NATS
	c := New(nil, nil)
	ctx := context.Background()

	for _, room := range []string{"a.b", "*", "x.>", "a b", "r\r\nPUB x 1", ""} {
		_, err := c.Participants(ctx, room)
		assert.ErrorIs(t, err, ErrInvalidRoom, "%q", room)

		err = c.PersistMessage(ctx, protocol.Message{MessageID: "m1", RoomID: room, UserID: "alice", Content: "hi"})
		assert.ErrorIs(t, err, ErrInvalidRoom, "%q", room)

		err = c.MarkRead(ctx, "alice", room, 1)
		assert.ErrorIs(t, err, ErrInvalidRoom, "%q", room)
	}

	subject, err := roomSubject("chat.", "general")
	require.NoError(t, err)
	assert.Equal(t, "chat.general", subject)
}
