package rpc_test

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/docrobotics/viewerd/rpc"
)

type mockTransport struct {
	sessions chan rpc.Session

	done   chan struct{}
	closed chan struct{}
}

type mockSession struct {
	id     string
	frames chan []byte

	mu   sync.Mutex
	sent []rpc.Message

	stopOnce sync.Once
	done     chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		sessions: make(chan rpc.Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (t *mockTransport) Sessions() iter.Seq[rpc.Session] {
	return func(yield func(rpc.Session) bool) {
		defer close(t.closed)
		for {
			select {
			case <-t.done:
				return
			case sess := <-t.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

func (t *mockTransport) Shutdown(ctx context.Context) error {
	close(t.done)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
	}
	return nil
}

func newMockSession(id string) *mockSession {
	return &mockSession{
		id:     id,
		frames: make(chan []byte, 10),
		done:   make(chan struct{}),
	}
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) Send(_ context.Context, msg rpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *mockSession) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-s.done:
				return
			case frame, ok := <-s.frames:
				if !ok {
					return
				}
				if !yield(frame) {
					return
				}
			}
		}
	}
}

func (s *mockSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *mockSession) sentMessages() []rpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rpc.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestServerGreetsAndRoutes(t *testing.T) {
	router := rpc.NewRouter()
	router.RegisterUnary("whoami", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]string{"connection": rpc.ConnectionIDFrom(ctx)}, nil
	})

	transport := newMockTransport()
	srv := rpc.NewServer(router,
		rpc.WithTransport(transport),
		rpc.WithServerVersion("0.1.0"),
	)
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	}()

	sess := newMockSession("sess-1")
	transport.sessions <- sess

	waitFor(t, func() bool { return len(sess.sentMessages()) >= 1 }, "timed out waiting for greeting")

	greeting := sess.sentMessages()[0]
	if greeting.Method != "connected" {
		t.Fatalf("expected connected greeting, got %+v", greeting)
	}
	var params map[string]string
	if err := json.Unmarshal(greeting.Params, &params); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if params["version"] != "0.1.0" {
		t.Errorf("expected greeting version 0.1.0, got %q", params["version"])
	}

	sess.frames <- []byte(`{"jsonrpc":"2.0","id":1,"method":"whoami"}`)

	waitFor(t, func() bool { return len(sess.sentMessages()) >= 2 }, "timed out waiting for reply")

	reply := sess.sentMessages()[1]
	var result map[string]string
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if result["connection"] != "sess-1" {
		t.Errorf("expected handler to see connection id sess-1, got %q", result["connection"])
	}
}

func TestServerConnectionCallbacks(t *testing.T) {
	var mu sync.Mutex
	var connected, disconnected []string

	transport := newMockTransport()
	srv := rpc.NewServer(rpc.NewRouter(),
		rpc.WithTransport(transport),
		rpc.WithOnConnected(func(id string) {
			mu.Lock()
			defer mu.Unlock()
			connected = append(connected, id)
		}),
		rpc.WithOnDisconnected(func(id string) {
			mu.Lock()
			defer mu.Unlock()
			disconnected = append(disconnected, id)
		}),
	)
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	sess := newMockSession("sess-cb")
	transport.sessions <- sess

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 1
	}, "timed out waiting for connect callback")

	close(sess.frames)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1 && disconnected[0] == "sess-cb"
	}, "timed out waiting for disconnect callback")
}

func TestServerBroadcast(t *testing.T) {
	transport := newMockTransport()
	srv := rpc.NewServer(rpc.NewRouter(), rpc.WithTransport(transport))
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	first := newMockSession("sess-a")
	second := newMockSession("sess-b")
	transport.sessions <- first
	transport.sessions <- second

	waitFor(t, func() bool {
		return len(first.sentMessages()) >= 1 && len(second.sentMessages()) >= 1
	}, "timed out waiting for greetings")

	if err := srv.Broadcast("model.updated", map[string]string{"timestamp": "now"}); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	for _, sess := range []*mockSession{first, second} {
		waitFor(t, func() bool {
			for _, msg := range sess.sentMessages() {
				if msg.Method == "model.updated" {
					return true
				}
			}
			return false
		}, "timed out waiting for broadcast on "+sess.id)
	}
}

func TestServerShutdownStopsSessions(t *testing.T) {
	transport := newMockTransport()
	srv := rpc.NewServer(rpc.NewRouter(), rpc.WithTransport(transport))
	go srv.Serve()

	sess := newMockSession("sess-stop")
	transport.sessions <- sess

	waitFor(t, func() bool { return len(sess.sentMessages()) >= 1 }, "timed out waiting for greeting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	select {
	case <-sess.done:
	default:
		t.Error("expected the session to be stopped on shutdown")
	}
}
