package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/internal/kvstore"
	"github.com/example/nats-chat-realtime/internal/kvstore/kvtest"
	"github.com/example/nats-chat-realtime/internal/offline"
	"github.com/example/nats-chat-realtime/internal/presence"
	"github.com/example/nats-chat-realtime/internal/typing"
)

func newResponder(t *testing.T) (*Responder, *kvtest.Switch) {
	t.Helper()
	ctx := context.Background()
	p := presence.New(kvstore.NewMemoryBucket(presence.Bucket, presence.DefaultTTL), "n1")
	sw := kvtest.NewSwitch(kvstore.NewMemoryBucket(offline.Bucket, 0))
	q := offline.New(sw, 0)
	tr := typing.New(kvstore.NewMemoryBucket(typing.Bucket, 0))

	require.NoError(t, p.MarkOnline(ctx, "alice", "c1"))
	require.NoError(t, p.MarkOnline(ctx, "bob", "c2"))
	require.NoError(t, q.Enqueue(ctx, "carol", []byte(`{"type":"message"}`)))
	require.NoError(t, q.Enqueue(ctx, "carol", []byte(`{"type":"message"}`)))
	require.NoError(t, tr.SetTyping(ctx, "alice", "general"))
	return New(p, q, tr), sw
}

func TestAnswer(t *testing.T) {
	r, _ := newResponder(t)
	ctx := context.Background()

	tests := []struct {
		subject string
		want    string
	}{
		{"realtime.presence.online.alice", `{"userId":"alice","online":true}`},
		{"realtime.presence.online.carol", `{"userId":"carol","online":false}`},
		{"realtime.presence.list", `["alice","bob"]`},
		{"realtime.offline.count.carol", `{"userId":"carol","count":2}`},
		{"realtime.offline.count.alice", `{"userId":"alice","count":0}`},
		{"realtime.typing.room.general", `["alice"]`},
		{"realtime.typing.room.random", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := r.Answer(ctx, tt.subject)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestAnswerUnknownSubject(t *testing.T) {
	r, _ := newResponder(t)
	_, err := r.Answer(context.Background(), "realtime.nope")
	assert.Error(t, err)
}

func TestAnswerCountUnavailable(t *testing.T) {
	r, sw := newResponder(t)
	sw.Down()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.Answer(ctx, "realtime.offline.count.carol")
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"carol","count":0,"error":"unavailable"}`, string(got))
}
