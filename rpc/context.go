package rpc

import "context"

type connectionIDKey struct{}

// WithConnectionID returns a context carrying the connection identifier. The
// serve loop attaches it before every dispatch so handlers can key
// per-connection state without the router or the transport holding any.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey{}, id)
}

// ConnectionIDFrom extracts the connection identifier attached by the serve
// loop. It returns the empty string if the context carries none.
func ConnectionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(connectionIDKey{}).(string)
	return id
}
