// Package protocol defines the JSON frames exchanged with realtime clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Type is the "type" field of a frame.
type Type string

// Inbound frame types.
const (
	TypeRegister   Type = "register"
	TypeJoinRoom   Type = "joinRoom"
	TypeLeaveRoom  Type = "leaveRoom"
	TypeMessage    Type = "message"
	TypeTyping     Type = "typing"
	TypeMarkAsRead Type = "markAsRead"
)

// Outbound frame types. Message and typing frames reuse TypeMessage and
// TypeTyping.
const (
	TypeRegistered Type = "registered"
	TypeJoined     Type = "joined"
	TypeReceipt    Type = "receipt"
	TypeError      Type = "error"
)

// MaxContentRunes bounds the content of a message frame.
const MaxContentRunes = 4000

// Inbound is any frame a client may send. Fields not used by a type are
// ignored.
type Inbound struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	LastRead  *int64 `json:"lastRead,omitempty"`
}

// Typing reports the isTyping flag, which defaults to true.
func (in Inbound) Typing() bool {
	return in.IsTyping == nil || *in.IsTyping
}

// Decode parses and validates one inbound frame. The error is always a
// *Error with CodeProtocol. The request id is kept when it could be read so
// the error can be correlated.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return in, Errorf(CodeProtocol, typeErr.Field, "%s has the wrong type", typeErr.Field)
		}
		return in, Errorf(CodeProtocol, "", "frame is not a JSON object")
	}
	return in, in.Validate()
}

// Validate checks that the fields required by the frame's type are present.
func (in Inbound) Validate() error {
	switch in.Type {
	case "":
		return Errorf(CodeProtocol, "type", "type is required")
	case TypeRegister:
		return required("userId", in.UserID)
	case TypeJoinRoom, TypeLeaveRoom, TypeTyping, TypeMarkAsRead:
		return roomID(in.RoomID)
	case TypeMessage:
		if err := roomID(in.RoomID); err != nil {
			return err
		}
		if strings.TrimSpace(in.Content) == "" {
			return Errorf(CodeProtocol, "content", "content is required")
		}
		if utf8.RuneCountInString(in.Content) > MaxContentRunes {
			return Errorf(CodeProtocol, "content", "content must be at most %d characters", MaxContentRunes)
		}
		return nil
	default:
		return Errorf(CodeProtocol, "type", "unsupported frame type %q", in.Type)
	}
}

// ValidRoomID reports whether id can be used as one token of a NATS subject.
// Room ids end up in subjects such as chat.{room} and room.members.{room}.
func ValidRoomID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r == '.', r == '*', r == '>':
			return false
		case unicode.IsSpace(r), unicode.IsControl(r):
			return false
		}
	}
	return true
}

func roomID(value string) error {
	if err := required("roomId", value); err != nil {
		return err
	}
	if !ValidRoomID(value) {
		return Errorf(CodeProtocol, "roomId", "roomId must not contain whitespace, control characters, '.', '*' or '>'")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Errorf(CodeProtocol, field, "%s is required", field)
	}
	return nil
}

// Registered acknowledges a register frame once queued frames are delivered.
type Registered struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId"`
	ConnID    string `json:"connId"`
	Drained   int    `json:"drained"`
}

// Joined acknowledges joinRoom with the room's current state.
type Joined struct {
	Type      Type     `json:"type"`
	RequestID string   `json:"requestId,omitempty"`
	RoomID    string   `json:"roomId"`
	Viewers   []string `json:"viewers"`
	Typing    []string `json:"typing"`
}

// Message is a chat message delivered to a recipient.
type Message struct {
	Type      Type   `json:"type"`
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// TypingEvent tells viewers of a room that a user started or stopped typing.
type TypingEvent struct {
	Type     Type   `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Receipt reports to the sender what happened to each recipient of a message.
type Receipt struct {
	Type        Type   `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	MessageID   string `json:"messageId"`
	RoomID      string `json:"roomId"`
	Delivered   int    `json:"delivered"`
	Relayed     int    `json:"relayed"`
	Queued      int    `json:"queued"`
	Undelivered int    `json:"undelivered"`
}

// ErrorFrame is sent to the offending connection only.
type ErrorFrame struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      Code   `json:"code"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NewErrorFrame converts err to an error frame. Errors that are not *Error
// become CodeInternal without leaking their text.
func NewErrorFrame(requestID string, err error) ErrorFrame {
	pe, ok := AsError(err)
	if !ok {
		pe = &Error{Code: CodeInternal, Message: "internal error"}
	}
	return ErrorFrame{
		Type:      TypeError,
		RequestID: requestID,
		Code:      pe.Code,
		Field:     pe.Field,
		Message:   pe.Message,
	}
}
