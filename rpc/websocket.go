package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketServer implements ServerTransport over WebSocket connections. Its
// Handler upgrades HTTP requests and surfaces each connection as a Session;
// it can be mounted on any HTTP mux.
//
// Instances should be created with NewWebSocketServer.
type WebSocketServer struct {
	logger         *slog.Logger
	originPatterns []string

	sessions chan *wsSession

	done   chan struct{}
	closed chan struct{}
}

// WebSocketOption represents the options for the WebSocketServer.
type WebSocketOption func(*WebSocketServer)

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendMsgs chan wsSendMsg

	stopOnce    sync.Once
	done        chan struct{}
	writeClosed chan struct{}
}

type wsSendMsg struct {
	payload []byte
	errs    chan error
}

// NewWebSocketServer creates a WebSocket transport. Connections are accepted
// through the Handler method.
func NewWebSocketServer(options ...WebSocketOption) *WebSocketServer {
	s := &WebSocketServer{
		logger:   slog.Default(),
		sessions: make(chan *wsSession, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithWebSocketLogger sets the logger for the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(s *WebSocketServer) {
		s.logger = logger.With(slog.String("component", "websocket"))
	}
}

// WithWebSocketOriginPatterns sets the Origin header patterns accepted on
// upgrade, for browser clients served from another host during development.
func WithWebSocketOriginPatterns(patterns []string) WebSocketOption {
	return func(s *WebSocketServer) {
		s.originPatterns = patterns
	}
}

// Sessions implements the ServerTransport interface by yielding one Session
// per accepted WebSocket connection.
func (s *WebSocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Handler returns an http.Handler that upgrades requests to WebSocket
// connections and feeds them into the Sessions iterator.
func (s *WebSocketServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.originPatterns,
		})
		if err != nil {
			s.logger.Warn("failed to accept websocket connection", slog.String("err", err.Error()))
			return
		}

		sessID := uuid.New().String()
		sess := &wsSession{
			id:          sessID,
			conn:        conn,
			logger:      s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:    make(chan wsSendMsg, 5),
			done:        make(chan struct{}),
			writeClosed: make(chan struct{}),
		}

		select {
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server is shutting down")
		case s.sessions <- sess:
		}
	})
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ioMsg := wsSendMsg{
		payload: payload,
		errs:    make(chan error, 1),
	}

	// Queue the message so a single writer goroutine serializes all writes on
	// the connection.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	case s.sendMsgs <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s *wsSession) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Unblock the pending read when the session is stopped.
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			_, data, err := s.conn.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status == -1 && !errors.Is(err, context.Canceled) {
					s.logger.Info("websocket read ended", slog.String("err", err.Error()))
				}
				return
			}
			if !yield(data) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		<-s.writeClosed
	})
}

func (s *wsSession) processSendMessages() {
	defer close(s.writeClosed)

	for {
		var msg wsSendMsg
		select {
		case <-s.done:
			return
		case msg = <-s.sendMsgs:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := s.conn.Write(ctx, websocket.MessageText, msg.payload)
		cancel()

		msg.errs <- err
	}
}
