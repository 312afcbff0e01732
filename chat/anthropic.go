package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultMaxTokens        = 2048

	anthropicVersion = "2023-06-01"
)

// AnthropicClient is a Generator backed by the Anthropic Messages API. It
// issues streaming requests and surfaces text deltas and token usage as they
// arrive on the wire.
//
// Instances should be created with NewAnthropicClient.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// AnthropicOption represents the options for the AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// NewAnthropicClient creates a client authenticated with apiKey. An empty key
// produces a client that reports itself unavailable.
func NewAnthropicClient(apiKey string, options ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    defaultAnthropicBaseURL,
		model:      defaultAnthropicModel,
		maxTokens:  defaultMaxTokens,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithAnthropicBaseURL overrides the API base URL. Used by tests to point at
// a local server.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) {
		c.baseURL = baseURL
	}
}

// WithAnthropicModel overrides the model requested for generations.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *AnthropicClient) {
		c.model = model
	}
}

// WithAnthropicMaxTokens overrides the response token cap.
func WithAnthropicMaxTokens(maxTokens int) AnthropicOption {
	return func(c *AnthropicClient) {
		c.maxTokens = maxTokens
	}
}

// WithAnthropicHTTPClient overrides the HTTP client used for API requests.
func WithAnthropicHTTPClient(httpClient *http.Client) AnthropicOption {
	return func(c *AnthropicClient) {
		c.httpClient = httpClient
	}
}

// WithAnthropicLogger sets the logger for the client.
func WithAnthropicLogger(logger *slog.Logger) AnthropicOption {
	return func(c *AnthropicClient) {
		c.logger = logger.With(slog.String("component", "anthropic"))
	}
}

// Available implements the Generator interface. The client is available
// whenever an API key is configured.
func (c *AnthropicClient) Available() bool {
	return c.apiKey != ""
}

// Version implements the Generator interface.
func (c *AnthropicClient) Version() string {
	return fmt.Sprintf("anthropic/%s", c.model)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements the Generator interface by issuing a streaming request to
// the Messages API and translating its server-sent events.
func (c *AnthropicClient) Stream(ctx context.Context, turns []Turn) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		body, err := c.newStreamRequest(ctx, turns)
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer body.Close()

		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					yield(Event{}, ctx.Err())
					return
				}
				yield(Event{}, fmt.Errorf("failed to read stream: %w", err))
				return
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				c.logger.Warn("failed to unmarshal stream event",
					slog.String("type", ev.Type),
					slog.String("err", err.Error()))
				continue
			}

			switch event.Type {
			case "message_start":
				if !yield(Event{Type: EventUsage, Usage: Usage(event.Message.Usage)}, nil) {
					return
				}
			case "content_block_delta":
				if event.Delta.Type != "text_delta" {
					continue
				}
				if !yield(Event{Type: EventTextDelta, Text: event.Delta.Text}, nil) {
					return
				}
			case "message_delta":
				if !yield(Event{Type: EventUsage, Usage: Usage(event.Usage)}, nil) {
					return
				}
			case "message_stop":
				return
			case "error":
				yield(Event{}, fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message))
				return
			default:
				// ping, content_block_start, content_block_stop
			}
		}
	}
}

func (c *AnthropicClient) newStreamRequest(ctx context.Context, turns []Turn) (io.ReadCloser, error) {
	messages := make([]anthropicMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, anthropicMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	payload, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, errBody)
	}

	return resp.Body, nil
}
