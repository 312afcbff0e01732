package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"sync"
)

// UnaryHandler handles a single-result operation. The returned value is
// marshaled into the response result; a returned error is translated through
// the error taxonomy into an error response.
type UnaryHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotifyFunc sends one out-of-band notification on the connection the current
// dispatch is bound to. It is handed to streaming handlers so they can emit
// progress without holding any transport state.
type NotifyFunc func(method string, params any) error

// StreamingHandler handles a streaming operation. It returns a lazy, finite
// sequence of items; every intermediate notification is routed to the
// transport as it is yielded, and the single terminal outcome (result or
// error) ends the dispatch. A sequence that ends without a terminal outcome is
// a contract violation and is reported to the caller as an internal error.
type StreamingHandler func(ctx context.Context, params json.RawMessage, notify NotifyFunc) iter.Seq[StreamItem]

// StreamItem is one element of a streaming handler's output: either an
// intermediate notification or the terminal outcome.
type StreamItem struct {
	// Notification is set for intermediate items. It is never correlated to
	// the request id.
	Notification *Notification

	// Result and Err form the terminal outcome when Notification is nil.
	// At most one of them is set.
	Result any
	Err    error
}

// Notification is one out-of-band progress message produced during a
// streaming dispatch.
type Notification struct {
	Method string
	Params any
}

// NotifyItem builds an intermediate notification item.
func NotifyItem(method string, params any) StreamItem {
	return StreamItem{Notification: &Notification{Method: method, Params: params}}
}

// ResultItem builds the terminal success outcome of a streaming sequence.
func ResultItem(result any) StreamItem {
	return StreamItem{Result: result}
}

// ErrorItem builds the terminal error outcome of a streaming sequence.
func ErrorItem(err error) StreamItem {
	return StreamItem{Err: err}
}

func (i StreamItem) terminal() bool { return i.Notification == nil }

// SendFunc delivers one envelope to the connection a dispatch is bound to.
// The router delegates every transport write to it and holds no socket state
// itself.
type SendFunc func(ctx context.Context, msg Message) error

// Router routes inbound JSON-RPC envelopes to registered operations. It owns
// the per-message lifecycle: decode, validate, dispatch, translate failures
// into the error taxonomy, and emit replies through the caller-supplied send
// function.
type Router struct {
	mu        sync.RWMutex
	unary     map[string]UnaryHandler
	streaming map[string]StreamingHandler

	logger   *slog.Logger
	observer func(method string, errCode int)
}

// RouterOption represents the options for the Router.
type RouterOption func(*Router)

// NewRouter creates a Router with no registered operations.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		unary:     make(map[string]UnaryHandler),
		streaming: make(map[string]StreamingHandler),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With(slog.String("component", "router"))
	}
}

// WithRouterObserver sets a hook invoked after every dispatch with the
// operation name and the error code sent to the caller (0 on success). Used
// to bind metrics without coupling the router to a collector.
func WithRouterObserver(observer func(method string, errCode int)) RouterOption {
	return func(r *Router) {
		r.observer = observer
	}
}

// RegisterUnary registers a single-result handler for an operation name. A
// name maps to at most one handler across both registries; the last
// registration wins.
func (r *Router) RegisterUnary(name string, handler UnaryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streaming, name)
	r.unary[name] = handler
	r.logger.Info("registered RPC handler", slog.String("method", name))
}

// RegisterStreaming registers a streaming handler for an operation name. A
// name maps to at most one handler across both registries; the last
// registration wins.
func (r *Router) RegisterStreaming(name string, handler StreamingHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unary, name)
	r.streaming[name] = handler
	r.logger.Info("registered streaming RPC handler", slog.String("method", name))
}

func (r *Router) resolve(name string) (StreamingHandler, UnaryHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// The streaming registry is checked first so a streaming operation can
	// shadow a legacy unary fallback under the same name during migration.
	if sh, ok := r.streaming[name]; ok {
		return sh, nil
	}
	return nil, r.unary[name]
}

// Route processes one raw inbound frame. It is the single entry point
// transports call; all replies and notifications produced by the dispatch go
// through send. Requests (id present) always receive exactly one terminal
// reply; notifications (no id) never receive any.
func (r *Router) Route(ctx context.Context, raw []byte, send SendFunc) {
	msg, decErr := DecodeMessage(raw)
	if decErr != nil {
		r.observe("", decErr.Code)
		r.reply(ctx, send, NewErrorResponse(msg.ID, decErr))
		return
	}

	hasID := msg.HasID()
	r.logger.Info("routing RPC method",
		slog.String("method", msg.Method),
		slog.String("id", string(msg.ID)))

	sh, uh := r.resolve(msg.Method)
	switch {
	case sh != nil:
		r.dispatchStreaming(ctx, msg, hasID, sh, send)
	case uh != nil:
		r.dispatchUnary(ctx, msg, hasID, uh, send)
	default:
		r.observe(msg.Method, CodeMethodNotFound)
		if !hasID {
			r.logger.Info("dropping notification for unknown method", slog.String("method", msg.Method))
			return
		}
		r.reply(ctx, send, NewErrorResponse(msg.ID,
			Errorf(CodeMethodNotFound, "method %q not found", msg.Method)))
	}
}

func (r *Router) dispatchUnary(ctx context.Context, msg Message, hasID bool, handler UnaryHandler, send SendFunc) {
	result, err := handler(ctx, msg.Params)

	if !hasID {
		// Fire-and-forget: the result is discarded and failures are logged,
		// there is no one to receive an error reply.
		if err != nil {
			r.logger.Error("notification handler failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		r.observe(msg.Method, 0)
		return
	}

	if err != nil {
		rpcErr := asError(err)
		r.observe(msg.Method, rpcErr.Code)
		r.logger.Error("handler failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		r.reply(ctx, send, NewErrorResponse(msg.ID, rpcErr))
		return
	}

	resp, mErr := NewResponse(msg.ID, result)
	if mErr != nil {
		r.observe(msg.Method, CodeInternalError)
		r.logger.Error("failed to marshal result",
			slog.String("method", msg.Method),
			slog.String("err", mErr.Error()))
		r.reply(ctx, send, NewErrorResponse(msg.ID,
			Errorf(CodeInternalError, "internal error: %s", mErr.Error())))
		return
	}
	r.observe(msg.Method, 0)
	r.reply(ctx, send, resp)
}

func (r *Router) dispatchStreaming(ctx context.Context, msg Message, hasID bool, handler StreamingHandler, send SendFunc) {
	notify := func(method string, params any) error {
		n, err := NewNotification(method, params)
		if err != nil {
			return err
		}
		return send(ctx, n)
	}

	terminalSent := false
	for item := range handler(ctx, msg.Params, notify) {
		if !item.terminal() {
			// Intermediate notifications go out immediately so they reach the
			// transport before the terminal outcome.
			if err := notify(item.Notification.Method, item.Notification.Params); err != nil {
				r.logger.Error("failed to send notification",
					slog.String("method", item.Notification.Method),
					slog.String("err", err.Error()))
			}
			continue
		}

		terminalSent = true
		if !hasID {
			// The caller sent a notification; the terminal outcome is
			// discarded, failures included.
			if item.Err != nil {
				r.logger.Error("streaming notification handler failed",
					slog.String("method", msg.Method),
					slog.String("err", item.Err.Error()))
			}
			r.observe(msg.Method, 0)
			break
		}

		if item.Err != nil {
			rpcErr := asError(item.Err)
			r.observe(msg.Method, rpcErr.Code)
			r.logger.Error("streaming handler failed",
				slog.String("method", msg.Method),
				slog.String("err", item.Err.Error()))
			r.reply(ctx, send, NewErrorResponse(msg.ID, rpcErr))
			break
		}

		resp, mErr := NewResponse(msg.ID, item.Result)
		if mErr != nil {
			r.observe(msg.Method, CodeInternalError)
			r.reply(ctx, send, NewErrorResponse(msg.ID,
				Errorf(CodeInternalError, "internal error: %s", mErr.Error())))
			break
		}
		r.observe(msg.Method, 0)
		r.reply(ctx, send, resp)
		break
	}

	if !terminalSent && hasID {
		// The handler's sequence ended without a terminal outcome; the caller
		// must still receive exactly one reply.
		r.observe(msg.Method, CodeInternalError)
		r.logger.Error("streaming handler produced no terminal outcome",
			slog.String("method", msg.Method))
		r.reply(ctx, send, NewErrorResponse(msg.ID,
			Errorf(CodeInternalError, "streaming handler produced no terminal outcome")))
	}
}

// reply writes one envelope and logs the failure if the write fails. A failed
// reply marks the connection degraded but never crashes it.
func (r *Router) reply(ctx context.Context, send SendFunc, msg Message) {
	if err := send(ctx, msg); err != nil {
		r.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (r *Router) observe(method string, errCode int) {
	if r.observer != nil {
		r.observer(method, errCode)
	}
}

// asError maps any handler failure into the closed error taxonomy. Errors
// that already carry a protocol code pass through; everything else is an
// internal error.
func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Errorf(CodeInternalError, "internal error: %s", err.Error())
}
