package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/nats-chat-realtime/internal/connreg"
	"github.com/example/nats-chat-realtime/internal/dispatch"
	"github.com/example/nats-chat-realtime/internal/gateway"
	"github.com/example/nats-chat-realtime/internal/identity"
	"github.com/example/nats-chat-realtime/internal/kvstore"
	"github.com/example/nats-chat-realtime/internal/leader"
	"github.com/example/nats-chat-realtime/internal/offline"
	"github.com/example/nats-chat-realtime/internal/presence"
	"github.com/example/nats-chat-realtime/internal/query"
	"github.com/example/nats-chat-realtime/internal/relay"
	"github.com/example/nats-chat-realtime/internal/rooms"
	"github.com/example/nats-chat-realtime/internal/roomsvc"
	"github.com/example/nats-chat-realtime/internal/typing"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

const leaderHeartbeat = 5 * time.Second

func newServeCmd() *cobra.Command {
	var httpAddr, store, nodeID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a realtime node",
		Long: `Run a realtime node. Settings come from the environment (NATS_URL,
HTTP_ADDR, NODE_ID, STORE, KEYCLOAK_URL, ...); flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			if cmd.Flags().Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "websocket listen address (HTTP_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "coordination store, nats or memory (STORE)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id used for relay routing (NODE_ID)")
	return cmd
}

func setupLogging(cfg Config) {
	level, _ := parseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func connectNATS(ctx context.Context, cfg Config) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("realtime-service-"+cfg.NodeID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect to NATS: %w", err)
}

// buckets are the coordination store keyspaces.
type buckets struct {
	presence, viewers, typing, offline, leader kvstore.Bucket
}

func openBuckets(ctx context.Context, cfg Config, js jetstream.JetStream) (buckets, error) {
	if cfg.Store == storeMemory {
		slog.Info("Using in-process coordination store, this node cannot share state")
		return buckets{
			presence: kvstore.NewMemoryBucket(presence.Bucket, cfg.PresenceTTL),
			viewers:  kvstore.NewMemoryBucket(rooms.Bucket, cfg.PresenceTTL),
			typing:   kvstore.NewMemoryBucket(typing.Bucket, cfg.TypingTTL),
			offline:  kvstore.NewMemoryBucket(offline.Bucket, 0),
			leader:   kvstore.NewMemoryBucket(leader.Bucket, 3*leaderHeartbeat),
		}, nil
	}

	breaker := kvstore.NewCircuitBreaker(5, 5*time.Second)
	var b buckets
	for _, bc := range []struct {
		dst *kvstore.Bucket
		cfg kvstore.BucketConfig
	}{
		{&b.presence, kvstore.BucketConfig{Name: presence.Bucket, TTL: cfg.PresenceTTL}},
		{&b.viewers, kvstore.BucketConfig{Name: rooms.Bucket, TTL: cfg.PresenceTTL}},
		{&b.typing, kvstore.BucketConfig{Name: typing.Bucket, TTL: cfg.TypingTTL}},
		{&b.offline, kvstore.BucketConfig{Name: offline.Bucket, Durable: true}},
		{&b.leader, kvstore.BucketConfig{Name: leader.Bucket, TTL: 3 * leaderHeartbeat}},
	} {
		bucket, err := kvstore.OpenNATS(ctx, js, bc.cfg, breaker)
		if err != nil {
			return buckets{}, err
		}
		*bc.dst = bucket
	}
	return b, nil
}

func serve(ctx context.Context, cfg Config) error {
	setupLogging(cfg)

	otelShutdown, err := otelhelper.Init(ctx, otelhelper.Options{
		ServiceName: "realtime-service",
		NodeID:      cfg.NodeID,
		Enabled:     cfg.OtelEnabled,
	})
	if err != nil {
		return fmt.Errorf("initialize OpenTelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("OpenTelemetry shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting realtime service",
		"node", cfg.NodeID,
		"nats_url", cfg.NatsURL,
		"http_addr", cfg.HTTPAddr,
		"store", cfg.Store,
		"auth", cfg.KeycloakURL != "",
	)

	nc, err := connectNATS(ctx, cfg)
	if err != nil {
		return err
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := openBuckets(ctx, cfg, js)
	if err != nil {
		return err
	}

	var auth identity.Authenticator
	if cfg.KeycloakURL != "" {
		validator, err := identity.NewKeycloakValidator(ctx, cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakIssuerURL)
		if err != nil {
			return err
		}
		defer validator.Close()
		auth = validator
	} else {
		slog.Warn("KEYCLOAK_URL not set, register frames are trusted without authentication")
	}

	var transport relay.Transport = relay.NewNATS(nc)
	if cfg.Store == storeMemory {
		transport = relay.NewBus()
	}

	collaborators := roomsvc.New(nc, js)
	roomTracker := rooms.New(kv.viewers, collaborators)
	presenceReg := presence.New(kv.presence, cfg.NodeID)
	typingTracker := typing.New(kv.typing, typing.WithTTL(cfg.TypingTTL))
	queue := offline.New(kv.offline, cfg.OfflineCapacity)

	d := dispatch.New(dispatch.Config{NodeID: cfg.NodeID}, dispatch.Deps{
		Registry:  connreg.New(),
		Presence:  presenceReg,
		Rooms:     roomTracker,
		Typing:    typingTracker,
		Offline:   queue,
		Relay:     transport,
		Persister: collaborators,
	})

	unsubRelay, err := transport.Subscribe(cfg.NodeID, d.HandleRelay)
	if err != nil {
		return err
	}
	defer unsubRelay()

	unwatch, err := collaborators.WatchMembership(func(ctx context.Context, evt roomsvc.RoomChangedEvent) {
		switch evt.Action {
		case "leave":
			d.Revoke(ctx, evt.Room, evt.UserId)
		default:
			roomTracker.Invalidate(evt.Room)
		}
	})
	if err != nil {
		return err
	}
	defer unwatch()

	unsubQuery, err := query.New(presenceReg, queue, typingTracker).Subscribe(nc)
	if err != nil {
		return err
	}
	defer unsubQuery()

	election := leader.New(kv.leader, "typing-sweeper", cfg.NodeID, leaderHeartbeat)
	server := gateway.NewServer(gateway.Config{Addr: cfg.HTTPAddr}, gateway.New(d, auth, gateway.Options{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })
	g.Go(func() error { return d.RunHeartbeat(gctx, cfg.heartbeatInterval()) })
	g.Go(func() error { return election.Run(gctx) })
	g.Go(func() error { return typingTracker.RunSweeper(gctx, cfg.TypingTTL, election.IsLeader) })

	err = g.Wait()
	slog.Info("Shutting down realtime service", "node", cfg.NodeID)
	if drainErr := nc.Drain(); drainErr != nil {
		slog.Warn("NATS drain failed", "error", drainErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
