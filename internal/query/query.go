// Package query answers read-only NATS requests about realtime state, for
// services that render badges and typing hints without holding a socket.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/nats-chat-realtime/internal/offline"
	"github.com/example/nats-chat-realtime/internal/presence"
	"github.com/example/nats-chat-realtime/internal/typing"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

const (
	SubjectOnline       = "realtime.presence.online."
	SubjectOnlineList   = "realtime.presence.list"
	SubjectOfflineCount = "realtime.offline.count."
	SubjectTypingRoom   = "realtime.typing.room."

	queueGroup = "realtime-query"
)

// OnlineReply answers realtime.presence.online.{user}.
type OnlineReply struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// CountReply answers realtime.offline.count.{user}.
type CountReply struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// Responder serves the query subjects from the shared stores.
type Responder struct {
	presence *presence.Registry
	offline  *offline.Queue
	typing   *typing.Tracker
}

func New(p *presence.Registry, q *offline.Queue, t *typing.Tracker) *Responder {
	return &Responder{presence: p, offline: q, typing: t}
}

// Answer builds the reply for subject. Unknown subjects are an error.
func (r *Responder) Answer(ctx context.Context, subject string) ([]byte, error) {
	switch {
	case subject == SubjectOnlineList:
		users := r.presence.ListOnline(ctx)
		if users == nil {
			users = []string{}
		}
		return json.Marshal(users)

	case strings.HasPrefix(subject, SubjectOnline):
		userID := strings.TrimPrefix(subject, SubjectOnline)
		return json.Marshal(OnlineReply{UserID: userID, Online: r.presence.IsOnline(ctx, userID)})

	case strings.HasPrefix(subject, SubjectOfflineCount):
		userID := strings.TrimPrefix(subject, SubjectOfflineCount)
		reply := CountReply{UserID: userID}
		n, err := r.offline.Count(ctx, userID)
		if err != nil {
			slog.WarnContext(ctx, "Offline count failed", "user", userID, "error", err)
			reply.Error = "unavailable"
		}
		reply.Count = n
		return json.Marshal(reply)

	case strings.HasPrefix(subject, SubjectTypingRoom):
		roomID := strings.TrimPrefix(subject, SubjectTypingRoom)
		users, err := r.typing.TypingUsersIn(ctx, roomID)
		if err != nil {
			slog.WarnContext(ctx, "Typing query failed", "room", roomID, "error", err)
		}
		if users == nil {
			users = []string{}
		}
		return json.Marshal(users)
	}
	return nil, fmt.Errorf("unknown query subject %s", subject)
}

// Subscribe serves every query subject in a queue group shared by all
// nodes. The returned func unsubscribes.
func (r *Responder) Subscribe(nc *nats.Conn) (func(), error) {
	subjects := []string{
		SubjectOnline + "*",
		SubjectOnlineList,
		SubjectOfflineCount + "*",
		SubjectTypingRoom + "*",
	}
	var subs []*nats.Subscription
	stop := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, subject := range subjects {
		sub, err := nc.QueueSubscribe(subject, queueGroup, r.handle)
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	slog.Info("Serving realtime queries", "subjects", subjects)
	return stop, nil
}

func (r *Responder) handle(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "realtime query")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := r.Answer(ctx, msg.Subject)
	if err != nil {
		span.RecordError(err)
		slog.WarnContext(ctx, "Unanswerable query", "subject", msg.Subject, "error", err)
		return
	}
	span.SetAttributes(attribute.Int("realtime.query.reply_bytes", len(data)))
	if err := msg.Respond(data); err != nil {
		slog.WarnContext(ctx, "Failed to respond to query", "subject", msg.Subject, "error", err)
	}
}
