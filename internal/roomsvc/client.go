// Package roomsvc talks to the chat services that own rooms, messages and
// read positions.
package roomsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/nats-chat-realtime/internal/protocol"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

// ErrInvalidRoom is returned before any subject is built from a room id
// that is not a single subject token.
var ErrInvalidRoom = errors.New("room id is not a valid subject token")

func roomSubject(prefix, roomID string) (string, error) {
	if !protocol.ValidRoomID(roomID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoom, roomID)
	}
	return prefix + roomID, nil
}

// ChatMessage is the record persist-worker stores from chat.{room}.
type ChatMessage struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Room      string `json:"room"`
}

// ReadUpdate is the payload of read.update.{room}.
type ReadUpdate struct {
	UserId   string `json:"userId"`
	LastRead int64  `json:"lastRead"`
}

// RoomChangedEvent is the delta room-service publishes on room.changed.{room}.
type RoomChangedEvent struct {
	Room   string `json:"room"`
	Action string `json:"action"` // "join" or "leave"
	UserId string `json:"userId"`
}

func chatMessageOf(m protocol.Message) ChatMessage {
	return ChatMessage{
		User:      m.UserID,
		Text:      m.Content,
		Timestamp: m.Timestamp,
		Room:      m.RoomID,
	}
}

func parseRoomChanged(data []byte) (RoomChangedEvent, error) {
	var evt RoomChangedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, err
	}
	if evt.Room == "" || evt.UserId == "" {
		return evt, errors.New("room and userId are required")
	}
	return evt, nil
}

// Client is the NATS side of the room collaborators.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// New returns a client. With a nil js, messages are handed off with a core
// publish instead of a JetStream publish that waits for the stream ack.
func New(nc *nats.Conn, js jetstream.JetStream) *Client {
	return &Client{nc: nc, js: js}
}

// Participants asks room-service for the member list of roomID.
func (c *Client) Participants(ctx context.Context, roomID string) ([]string, error) {
	subject, err := roomSubject("room.members.", roomID)
	if err != nil {
		return nil, err
	}
	reply, err := otelhelper.TracedRequest(ctx, c.nc, subject, nil)
	if err != nil {
		return nil, fmt.Errorf("room.members.%s: %w", roomID, err)
	}
	var members []string
	if err := json.Unmarshal(reply.Data, &members); err != nil {
		return nil, fmt.Errorf("decode members of %s: %w", roomID, err)
	}
	return members, nil
}

// PersistMessage hands a sent message to the CHAT_MESSAGES stream.
func (c *Client) PersistMessage(ctx context.Context, m protocol.Message) error {
	subject, err := roomSubject("chat.", m.RoomID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(chatMessageOf(m))
	if err != nil {
		return err
	}
	if c.js == nil {
		return otelhelper.TracedPublish(ctx, c.nc, subject, data)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: otelhelper.InjectContext(ctx)}
	if _, err := c.js.PublishMsg(ctx, msg, jetstream.WithMsgID(m.MessageID)); err != nil {
		return fmt.Errorf("persist message %s: %w", m.MessageID, err)
	}
	return nil
}

// MarkRead forwards a read position to read-receipt-service.
func (c *Client) MarkRead(ctx context.Context, userID, roomID string, lastRead int64) error {
	subject, err := roomSubject("read.update.", roomID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ReadUpdate{UserId: userID, LastRead: lastRead})
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, c.nc, subject, data)
}

// WatchMembership calls fn for every room.changed delta.
func (c *Client) WatchMembership(fn func(ctx context.Context, evt RoomChangedEvent)) (func(), error) {
	sub, err := c.nc.Subscribe("room.changed.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "room changed")
		defer span.End()

		evt, err := parseRoomChanged(msg.Data)
		if err != nil {
			slog.WarnContext(ctx, "Invalid room.changed event", "subject", msg.Subject, "error", err)
			return
		}
		fn(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe room.changed.*: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
