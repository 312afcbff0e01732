package rpc

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer. A transport
// accepts connections and surfaces them as sessions; it performs no protocol
// work of its own.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they
	// are initiated. Each yielded Session represents a unique client
	// connection. The implementation must guarantee that each session ID is
	// unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method
	// is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the transport to clean up resources.
	// The implementation should not stop the sessions it produced; the
	// caller already does that before calling this method. The caller is
	// guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents one persistent duplex connection. Inbound frames are
// surfaced raw; decoding and validation belong to the router, keeping the
// transport dumb and replaceable.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits an envelope to the client. Implementations must
	// preserve the order of writes issued by a single sender.
	Send(ctx context.Context, msg Message) error

	// Frames returns an iterator that yields raw inbound frames. The
	// implementation should exit the iteration when the session is closed.
	Frames() iter.Seq[[]byte]

	// Stop stops the session and releases its resources. Implementations
	// must make Stop safe to call more than once.
	Stop()
}
