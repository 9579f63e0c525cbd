// Package gateway serves the realtime protocol over websockets.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/example/nats-chat-realtime/internal/dispatch"
	"github.com/example/nats-chat-realtime/internal/identity"
	"github.com/example/nats-chat-realtime/internal/protocol"
)

const (
	// MaxPayloadBytes caps a single inbound frame.
	MaxPayloadBytes = 64 << 10

	maxDecodeErrorsPerConn = 3
	maxFramesPerSecond     = 40
	defaultWriteTimeout    = 10 * time.Second
)

type authUserKey struct{}

// Options tune the transport limits. Zero values take the defaults.
type Options struct {
	MaxFramesPerSecond int
	WriteTimeout       time.Duration
}

// Gateway is the HTTP handler for /ws and /up.
type Gateway struct {
	d            *dispatch.Dispatcher
	auth         identity.Authenticator
	maxFrames    int
	writeTimeout time.Duration
	mux          *http.ServeMux

	mu    sync.Mutex
	conns map[*wsHandle]struct{}
	wg    sync.WaitGroup
}

// New builds the handler. A nil auth trusts the userId of the register
// frame.
func New(d *dispatch.Dispatcher, auth identity.Authenticator, opts Options) *Gateway {
	if opts.MaxFramesPerSecond <= 0 {
		opts.MaxFramesPerSecond = maxFramesPerSecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	g := &Gateway{
		d:            d,
		auth:         auth,
		maxFrames:    opts.MaxFramesPerSecond,
		writeTimeout: opts.WriteTimeout,
		mux:          http.NewServeMux(),
		conns:        make(map[*wsHandle]struct{}),
	}

	ws := websocket.Server{
		// non-browser clients send no Origin
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   g.serveConn,
	}
	g.mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Node-Id", d.NodeID())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	g.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if g.auth != nil {
			userID, err := g.auth.Authenticate(r)
			if err != nil {
				slog.Info("Websocket unauthorized", "remote", r.RemoteAddr, "error", err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), authUserKey{}, userID))
		}
		ws.ServeHTTP(w, r)
	})
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) add(h *wsHandle) {
	g.mu.Lock()
	g.conns[h] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) remove(h *wsHandle) {
	g.mu.Lock()
	delete(g.conns, h)
	g.mu.Unlock()
}

// CloseAll closes every open websocket and waits until their sessions have
// cleaned up or ctx ends.
func (g *Gateway) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	for h := range g.conns {
		_ = h.Close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) serveConn(conn *websocket.Conn) {
	g.wg.Add(1)
	defer g.wg.Done()

	conn.MaxPayloadBytes = MaxPayloadBytes
	ctx := conn.Request().Context()
	authUser, _ := ctx.Value(authUserKey{}).(string)

	handle := newWSHandle(conn, g.writeTimeout)
	g.add(handle)
	defer g.remove(handle)
	defer handle.Close()

	session := g.d.NewSession(handle, authUser)
	defer session.Close(ctx)

	window := newFrameWindow(g.maxFrames, time.Now)
	decodeErrors := 0
	for {
		var data []byte
		err := websocket.Message.Receive(conn, &data)
		switch {
		case errors.Is(err, websocket.ErrFrameTooLarge):
			g.reject(ctx, handle, protocol.Errorf(protocol.CodeProtocol, "", "frame exceeds %d bytes", MaxPayloadBytes))
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			slog.Debug("Websocket read ended", "conn", handle.ID(), "error", err)
			return
		}

		if !window.allow() {
			g.reject(ctx, handle, protocol.Errorf(protocol.CodeRateLimited, "", "more than %d frames per second", g.maxFrames))
			slog.Warn("Closing connection over frame rate limit", "conn", handle.ID(), "user", session.UserID())
			return
		}

		err = session.Handle(ctx, data)
		if pe, ok := protocol.AsError(err); ok && pe.Code == protocol.CodeProtocol {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				slog.Warn("Closing connection after repeated invalid frames", "conn", handle.ID(), "user", session.UserID())
				return
			}
			continue
		}
		decodeErrors = 0
	}
}

func (g *Gateway) reject(ctx context.Context, h *wsHandle, err error) {
	data, encErr := protocol.Encode(protocol.NewErrorFrame("", err))
	if encErr != nil {
		return
	}
	_ = h.Send(ctx, data)
}

// Config holds the HTTP server settings.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server runs a Gateway on an HTTP listener.
type Server struct {
	gateway         *Gateway
	httpServer      *http.Server
	addr            string
	shutdownTimeout time.Duration
}

func NewServer(cfg Config, g *Gateway) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		gateway: g,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           g,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// ListenAndServe runs the HTTP server until ctx ends, then closes every
// websocket so sessions leave their rooms and clear presence.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	slog.Info("Realtime gateway listening", "addr", s.addr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if closeErr := s.gateway.CloseAll(shutdownCtx); closeErr != nil {
			slog.Warn("Sessions still open at shutdown", "error", closeErr)
		}
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
