package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Server drives one or more transports: it accepts sessions, greets each new
// connection, feeds every inbound frame through the Router, and fans
// broadcast notifications out to all live sessions.
type Server struct {
	router *Router

	transports []ServerTransport
	logger     *slog.Logger

	sendTimeout time.Duration
	version     string

	onConnected    func(sessionID string)
	onDisconnected func(sessionID string)

	sessionsWaitGroup *sync.WaitGroup

	broadcasts      chan Message
	sessions        chan Session
	removedSessions chan string

	done   chan struct{}
	closed chan struct{}
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a Server routing messages from the given transports
// through the router.
func NewServer(router *Router, options ...ServerOption) *Server {
	s := &Server{
		router:            router,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		broadcasts:        make(chan Message, 10),
		sessions:          make(chan Session, 5),
		removedSessions:   make(chan string, 5),
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	return s
}

// WithTransport adds a transport the server accepts sessions from. May be
// given multiple times.
func WithTransport(t ServerTransport) ServerOption {
	return func(s *Server) {
		s.transports = append(s.transports, t)
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "rpc-server"))
	}
}

// WithServerSendTimeout configures the timeout applied to every outbound
// write.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerVersion sets the version string carried by the greeting
// notification sent to every new connection.
func WithServerVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithOnConnected sets the callback invoked with the session ID when a new
// connection is accepted.
func WithOnConnected(onConnected func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onConnected = onConnected
	}
}

// WithOnDisconnected sets the callback invoked with the session ID after a
// connection ends, so per-connection state elsewhere can be released.
func WithOnDisconnected(onDisconnected func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = onDisconnected
	}
}

// Serve accepts sessions from all transports and blocks until Shutdown is
// called.
func (s *Server) Serve() {
	go s.broadcastLoop()

	var transportsWG sync.WaitGroup
	for _, t := range s.transports {
		transportsWG.Add(1)
		// Each transport's Sessions loop breaks when the transport is shut down.
		go func(t ServerTransport) {
			defer transportsWG.Done()
			for sess := range t.Sessions() {
				select {
				case <-s.done:
					return
				case s.sessions <- sess:
				}

				s.sessionsWaitGroup.Add(1)
				go s.serveSession(sess)
			}
		}(t)
	}

	transportsWG.Wait()
	close(s.closed)
}

// Shutdown gracefully shuts down the server by stopping all transports and
// waiting for in-flight sessions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.sessionsWaitGroup.Wait()

	for _, t := range s.transports {
		if err := t.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown transport: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop accept loops: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Broadcast fans one notification out to every live session. Delivery is
// best-effort; failures on individual sessions are logged and do not affect
// the others.
func (s *Server) Broadcast(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("server is shut down")
	case s.broadcasts <- msg:
	}
	return nil
}

func (s *Server) broadcastLoop() {
	// All active sessions are tracked here for fan-out lookup.
	sessMap := make(map[string]Session)

	for {
		select {
		case <-s.done:
			return
		case sess := <-s.sessions:
			sessMap[sess.ID()] = sess
		case sessID := <-s.removedSessions:
			delete(sessMap, sessID)
		case msg := <-s.broadcasts:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range sessMap {
				if err := sess.Send(ctx, msg); err != nil {
					s.logger.Error("failed to broadcast message",
						slog.String("sessionID", sess.ID()),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s *Server) serveSession(sess Session) {
	defer s.sessionsWaitGroup.Done()

	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	logger.Info("client connected")

	if s.onConnected != nil {
		s.onConnected(sess.ID())
	}

	send := func(ctx context.Context, msg Message) error {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
		return sess.Send(sendCtx, msg)
	}

	// Greet the new connection before routing anything.
	greeting, err := NewNotification("connected", map[string]any{
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		if err := send(context.Background(), greeting); err != nil {
			logger.Error("failed to send greeting", slog.String("err", err.Error()))
		}
	}

	// The base context is cancelled when the session's frame loop breaks, so
	// in-flight dispatches observe the disconnect.
	baseCtx, baseCancel := context.WithCancel(WithConnectionID(context.Background(), sess.ID()))

	// Stop the session when the server shuts down, which breaks the frame
	// loop below.
	ended := make(chan struct{})
	go func() {
		select {
		case <-s.done:
			sess.Stop()
		case <-ended:
		}
	}()

	// Each frame is dispatched in its own goroutine: a streaming exchange
	// suspends on upstream output, and the caller must still be able to get a
	// cancel request through on the same connection.
	var requestsWG sync.WaitGroup
	for raw := range sess.Frames() {
		requestsWG.Add(1)
		go func(raw []byte) {
			defer requestsWG.Done()
			s.router.Route(baseCtx, raw, send)
		}(raw)
	}

	close(ended)
	baseCancel()
	requestsWG.Wait()
	sess.Stop()

	if s.onDisconnected != nil {
		s.onDisconnected(sess.ID())
	}
	logger.Info("client disconnected")

	select {
	case <-s.done:
	case s.removedSessions <- sess.ID():
	}
}
