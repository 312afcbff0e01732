package chat

import (
	"context"
	"iter"
)

// EventType identifies an event produced by a Generator stream.
type EventType string

// Supported generator event types.
const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventUsage carries the token counts observed so far. Later usage
	// events supersede earlier ones.
	EventUsage EventType = "usage"
)

// Usage holds the token accounting for a single generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is a single item emitted by a Generator stream. Text is set for
// EventTextDelta events and Usage for EventUsage events.
type Event struct {
	Type  EventType
	Text  string
	Usage Usage
}

// Generator produces streaming assistant responses from a conversation
// transcript. The production implementation is AnthropicClient; tests supply
// fakes.
type Generator interface {
	// Available reports whether the generator is ready to serve requests,
	// for example whether credentials are configured.
	Available() bool

	// Version returns a human-readable identifier for the backing model or
	// API, shown to clients in chat.status.
	Version() string

	// Stream generates a response to the transcript, yielding events as they
	// arrive. A non-nil error terminates the sequence; the consumer must stop
	// iterating after receiving one.
	Stream(ctx context.Context, turns []Turn) iter.Seq2[Event, error]
}
