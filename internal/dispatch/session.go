package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/nats-chat-realtime/internal/connreg"
	"github.com/example/nats-chat-realtime/internal/protocol"
	"github.com/example/nats-chat-realtime/internal/rooms"
)

func newUUID() string { return uuid.NewString() }

// State is the lifecycle of a Session.
type State int

const (
	Unbound State = iota
	Registered
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Registered:
		return "registered"
	default:
		return "closed"
	}
}

// Session is the protocol state of one connection. Frames are handled by the
// connection's own goroutine in arrival order; only Close and room
// revocation may come from elsewhere.
type Session struct {
	d        *Dispatcher
	handle   connreg.Handle
	authUser string

	mu     sync.Mutex
	state  State
	userID string
	rooms  map[string]bool
}

// NewSession starts an Unbound session on h. authUser is the identity proven
// by the transport, or empty when authentication is disabled.
func (d *Dispatcher) NewSession(h connreg.Handle, authUser string) *Session {
	return &Session{d: d, handle: h, authUser: authUser, rooms: make(map[string]bool)}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Rooms returns the rooms this connection has joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomList()
}

func (s *Session) roomList() []string {
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (s *Session) live() (string, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Registered {
		return "", nil, false
	}
	return s.userID, s.roomList(), true
}

func (s *Session) forgetRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *Session) joined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *Session) reply(ctx context.Context, v any) {
	data := encode(v)
	if data == nil {
		return
	}
	if err := s.handle.Send(ctx, data); err != nil {
		slog.Debug("Reply failed, closing handle", "conn", s.handle.ID(), "error", err)
		_ = s.handle.Close()
	}
}

func (s *Session) fail(ctx context.Context, requestID string, err error) {
	s.reply(ctx, protocol.NewErrorFrame(requestID, err))
}

// Handle processes one inbound frame. The returned error has already been
// reported to the client; callers use it only to police the transport.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		s.d.metrics.recordFrame(ctx, "invalid")
		s.fail(ctx, in.RequestID, err)
		return err
	}
	s.d.metrics.recordFrame(ctx, string(in.Type))

	switch st := s.State(); {
	case st == Closed:
		return nil
	case st == Unbound && in.Type != protocol.TypeRegister:
		err = protocol.Errorf(protocol.CodeNotRegistered, "type", "register before sending %s", in.Type)
	case in.Type == protocol.TypeRegister:
		err = s.register(ctx, in)
	case in.Type == protocol.TypeJoinRoom:
		err = s.joinRoom(ctx, in)
	case !s.joined(in.RoomID):
		err = s.notJoined(ctx, in.RoomID)
	case in.Type == protocol.TypeLeaveRoom:
		err = s.leaveRoom(ctx, in)
	case in.Type == protocol.TypeMessage:
		err = s.message(ctx, in)
	case in.Type == protocol.TypeTyping:
		err = s.typing(ctx, in)
	case in.Type == protocol.TypeMarkAsRead:
		err = s.markAsRead(ctx, in)
	}
	if err != nil {
		s.fail(ctx, in.RequestID, err)
	}
	return err
}

// notJoined reports a room frame for a room this connection is not viewing.
// A sender outside the participant list gets NOT_A_PARTICIPANT instead.
func (s *Session) notJoined(ctx context.Context, roomID string) error {
	ok, err := s.d.Rooms.IsParticipant(ctx, s.UserID(), roomID)
	switch {
	case err != nil:
		slog.Warn("Participant check failed", "user", s.UserID(), "room", roomID, "error", err)
		return unavailable("room membership")
	case !ok:
		return protocol.Errorf(protocol.CodeNotAParticipant, "roomId", "not a participant of room %s", roomID)
	}
	return protocol.Errorf(protocol.CodeNotJoined, "roomId", "not joined to room %s", roomID)
}

func unavailable(what string) error {
	return protocol.Errorf(protocol.CodeUnavailable, "", "%s is unavailable, try again", what)
}

func (s *Session) register(ctx context.Context, in protocol.Inbound) error {
	if s.State() != Unbound {
		return protocol.Errorf(protocol.CodeAlreadyRegistered, "type", "connection is already registered")
	}
	if s.authUser != "" && in.UserID != s.authUser {
		return protocol.Errorf(protocol.CodeForbidden, "userId", "userId does not match the authenticated user")
	}

	d := s.d
	connID := s.handle.ID()
	s.mu.Lock()
	s.state = Registered
	s.userID = in.UserID
	s.mu.Unlock()

	d.Registry.Register(in.UserID, s.handle)
	d.track(s)
	if err := d.Presence.MarkOnline(ctx, in.UserID, connID); err != nil {
		slog.Warn("Failed to mark user online", "user", in.UserID, "conn", connID, "error", err)
	}

	drained := s.drain(ctx, in.UserID)
	s.reply(ctx, protocol.Registered{
		Type:      protocol.TypeRegistered,
		RequestID: in.RequestID,
		UserID:    in.UserID,
		ConnID:    connID,
		Drained:   drained,
	})
	slog.Info("Connection registered", "user", in.UserID, "conn", connID, "drained", drained)
	return nil
}

// drain delivers the offline queue to this connection. Frames that cannot be
// sent are queued again so they wait for the next registration.
func (s *Session) drain(ctx context.Context, userID string) int {
	frames, err := s.d.Offline.Drain(ctx, userID)
	if err != nil {
		slog.Warn("Offline drain failed, frames stay queued", "user", userID, "error", err)
		return 0
	}
	for i, f := range frames {
		if err := s.handle.Send(ctx, f); err != nil {
			slog.Warn("Send failed during drain, requeueing", "user", userID, "remaining", len(frames)-i)
			for _, rest := range frames[i:] {
				if err := s.d.Offline.Enqueue(ctx, userID, rest); err != nil {
					slog.Warn("Requeue failed, frame lost", "user", userID, "error", err)
				}
			}
			_ = s.handle.Close()
			return i
		}
	}
	return len(frames)
}

func (s *Session) joinRoom(ctx context.Context, in protocol.Inbound) error {
	d := s.d
	userID := s.UserID()
	err := d.Rooms.JoinRoom(ctx, userID, s.handle.ID(), in.RoomID)
	switch {
	case errors.Is(err, rooms.ErrNotAParticipant):
		return protocol.Errorf(protocol.CodeNotAParticipant, "roomId", "not a participant of room %s", in.RoomID)
	case err != nil:
		slog.Warn("Join failed", "user", userID, "room", in.RoomID, "error", err)
		return unavailable("room membership")
	}

	s.mu.Lock()
	s.rooms[in.RoomID] = true
	s.mu.Unlock()

	viewers, err := d.Rooms.ActiveViewersOf(ctx, in.RoomID)
	if err != nil {
		slog.Warn("Failed to list viewers", "room", in.RoomID, "error", err)
	}
	typers, err := d.Typing.TypingUsersIn(ctx, in.RoomID)
	if err != nil {
		slog.Warn("Failed to list typing users", "room", in.RoomID, "error", err)
	}
	s.reply(ctx, protocol.Joined{
		Type:      protocol.TypeJoined,
		RequestID: in.RequestID,
		RoomID:    in.RoomID,
		Viewers:   nonNil(viewers),
		Typing:    nonNil(typers),
	})
	slog.Debug("Joined room", "user", userID, "room", in.RoomID)
	return nil
}

func (s *Session) leaveRoom(ctx context.Context, in protocol.Inbound) error {
	s.forgetRoom(in.RoomID)
	s.leave(ctx, s.UserID(), in.RoomID)
	return nil
}

// leave is best effort: a failed delete is reaped by the viewer TTL.
func (s *Session) leave(ctx context.Context, userID, roomID string) {
	d := s.d
	if err := d.Rooms.LeaveRoom(ctx, userID, s.handle.ID(), roomID); err != nil {
		slog.Warn("Leave failed", "user", userID, "room", roomID, "error", err)
		return
	}
	if err := d.Typing.ClearTypingIn(ctx, userID, roomID); err != nil {
		slog.Debug("Failed to clear typing on leave", "user", userID, "room", roomID, "error", err)
	}
	if _, err := d.Rooms.RemoveRoomStateIfEmpty(ctx, roomID); err != nil {
		slog.Debug("Failed to remove empty room state", "room", roomID, "error", err)
	}
}

func (s *Session) message(ctx context.Context, in protocol.Inbound) error {
	d := s.d
	start := d.now()
	sender := s.UserID()

	recipients, err := d.Rooms.ParticipantsOf(ctx, in.RoomID)
	if err != nil {
		slog.Warn("Participant lookup failed, falling back to viewers", "room", in.RoomID, "error", err)
		recipients, err = d.Rooms.ActiveViewersOf(ctx, in.RoomID)
		if err != nil {
			return unavailable("room membership")
		}
	}

	msg := protocol.Message{
		Type:      protocol.TypeMessage,
		MessageID: d.newID(),
		RoomID:    in.RoomID,
		UserID:    sender,
		Content:   in.Content,
		Timestamp: start.UnixMilli(),
	}
	if err := d.Persister.PersistMessage(ctx, msg); err != nil {
		slog.Warn("Failed to hand off message for persistence", "room", in.RoomID, "message", msg.MessageID, "error", err)
	}
	if err := d.Typing.ClearTypingIn(ctx, sender, in.RoomID); err != nil {
		slog.Debug("Failed to clear typing on send", "user", sender, "room", in.RoomID, "error", err)
	}

	frame := encode(msg)
	receipt := protocol.Receipt{
		Type:      protocol.TypeReceipt,
		RequestID: in.RequestID,
		MessageID: msg.MessageID,
		RoomID:    in.RoomID,
	}
	for _, userID := range recipients {
		if userID == sender {
			continue
		}
		switch d.Deliver(ctx, userID, frame, true) {
		case Delivered:
			receipt.Delivered++
		case Relayed:
			receipt.Relayed++
		case Queued:
			receipt.Queued++
		default:
			receipt.Undelivered++
		}
	}
	d.metrics.recordFanout(ctx, "message", d.now().Sub(start))
	s.reply(ctx, receipt)
	return nil
}

func (s *Session) typing(ctx context.Context, in protocol.Inbound) error {
	d := s.d
	start := d.now()
	userID := s.UserID()

	var err error
	if in.Typing() {
		err = d.Typing.SetTyping(ctx, userID, in.RoomID)
	} else {
		err = d.Typing.ClearTypingIn(ctx, userID, in.RoomID)
	}
	if err != nil {
		slog.Warn("Typing update failed", "user", userID, "room", in.RoomID, "error", err)
	}

	viewers, err := d.Rooms.ActiveViewersOf(ctx, in.RoomID)
	if err != nil {
		slog.Warn("Failed to list viewers for typing", "room", in.RoomID, "error", err)
		return nil
	}
	frame := encode(protocol.TypingEvent{
		Type:     protocol.TypeTyping,
		RoomID:   in.RoomID,
		UserID:   userID,
		IsTyping: in.Typing(),
	})
	for _, v := range viewers {
		if v != userID {
			d.Deliver(ctx, v, frame, false)
		}
	}
	d.metrics.recordFanout(ctx, "typing", d.now().Sub(start))
	return nil
}

func (s *Session) markAsRead(ctx context.Context, in protocol.Inbound) error {
	lastRead := s.d.now().UnixMilli()
	if in.LastRead != nil {
		lastRead = *in.LastRead
	}
	if err := s.d.Persister.MarkRead(ctx, s.UserID(), in.RoomID, lastRead); err != nil {
		slog.Warn("Failed to forward read position", "user", s.UserID(), "room", in.RoomID, "error", err)
	}
	return nil
}

// Close runs the close transition once: leave every joined room, unregister
// the handle and clear presence if this was the user's last connection
// anywhere. It ignores cancellation of ctx so an abrupt disconnect still
// cleans up.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	wasRegistered := s.state == Registered
	s.state = Closed
	userID := s.userID
	roomIDs := s.roomList()
	s.rooms = make(map[string]bool)
	s.mu.Unlock()

	if !wasRegistered {
		return
	}

	d := s.d
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cleanupTimeout)
	defer cancel()

	for _, roomID := range roomIDs {
		s.leave(ctx, userID, roomID)
	}
	remaining := d.Registry.Unregister(userID, s.handle)
	d.untrack(s)

	offline, err := d.Presence.MarkOfflineIfLast(ctx, userID, s.handle.ID())
	if err != nil {
		slog.Warn("Failed to clear presence", "user", userID, "conn", s.handle.ID(), "error", err)
	}
	slog.Info("Connection closed", "user", userID, "conn", s.handle.ID(), "local_remaining", remaining, "offline", offline, "rooms", len(roomIDs))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
