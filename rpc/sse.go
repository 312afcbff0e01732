package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport
// for clients that cannot hold a WebSocket open. Server-to-client traffic
// flows over the SSE stream; client-to-server messages arrive via HTTP POST.
//
// The server exposes its connection management through the HandleEvents and
// HandleMessage http.Handlers, which can be mounted on any HTTP mux.
//
// Instances should be created using NewSSEServer and shut down with Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseSession
	removedSessions  chan string
	receivedMessages chan sseInboundFrame

	done   chan struct{}
	closed chan struct{}
}

// SSEOption represents the options for the SSEServer.
type SSEOption func(*SSEServer)

type sseSession struct {
	id       string
	sess     *sse.Session
	logger   *slog.Logger
	sendMsgs chan sseSendMsg
	frames   chan []byte

	stopOnce    sync.Once
	done        chan struct{}
	sendClosed  chan struct{}
	readsClosed chan struct{}
}

type sseInboundFrame struct {
	sessID  string
	payload []byte
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates an SSE transport whose clients post their messages to
// messageURL. The returned server must be shut down with Shutdown when no
// longer needed.
func NewSSEServer(messageURL string, options ...SSEOption) *SSEServer {
	s := &SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan *sseSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseInboundFrame),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// Sessions implements the ServerTransport interface by yielding one Session
// per connected SSE client.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Track active sessions so inbound POSTs can be routed by session ID.
		sessionsMap := make(map[string]*sseSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case frame := <-s.receivedMessages:
				session, ok := sessionsMap[frame.sessID]
				if !ok {
					// The session might already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case session.frames <- frame.payload:
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It terminates all active
// client connections and blocks until the session loop has drained.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleEvents returns an http.Handler for establishing SSE connections over
// GET requests. The handler upgrades the connection, assigns a session ID, and
// tells the client its message endpoint. The connection remains open until
// either side closes it.
func (s *SSEServer) HandleEvents() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Tell the client where to post its messages for this session.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE endpoint: %w", err)
			s.logger.Error("failed to write SSE endpoint", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseSession{
			id:          sessID,
			sess:        sess,
			logger:      s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:    make(chan sseSendMsg, 5),
			frames:      make(chan []byte, 5),
			done:        make(chan struct{}),
			sendClosed:  make(chan struct{}),
			readsClosed: make(chan struct{}),
		}

		select {
		case <-s.done:
			return
		case s.sessions <- srvSession:
		}

		// Keep the connection open until the session is stopped or the client
		// goes away.
		select {
		case <-srvSession.done:
			<-srvSession.sendClosed
		case <-r.Context().Done():
			srvSession.Stop()
		}

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler that receives client messages sent via
// POST requests. The handler expects a sessionID query parameter; the request
// body is forwarded verbatim to the corresponding session's frame stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read message body: %w", err)
			s.logger.Warn("failed to read message body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseInboundFrame{sessID: sessID, payload: payload}:
			w.WriteHeader(http.StatusAccepted)
		}
	})
}

func (s *sseSession) ID() string { return s.id }

func (s *sseSession) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(payload))

	errs := make(chan error)

	// Queue the message so the writer goroutine serializes access to the
	// underlying sse session.
	select {
	case s.sendMsgs <- sseSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s *sseSession) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer close(s.readsClosed)

		for {
			select {
			case frame := <-s.frames:
				if !yield(frame) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
	})
}

func (s *sseSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}
