package chat

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docrobotics/viewerd/rpc"
)

// Pricing for cost estimation, per million tokens. Rough approximation for
// the Sonnet tier.
const (
	inputCostPerMTok  = 3
	outputCostPerMTok = 15
)

// Chat exposes the conversational operations over an rpc.Router: chat.status
// reports generator availability, chat.send streams a response, chat.cancel
// aborts an in-flight response.
//
// Instances should be created with New.
type Chat struct {
	store     *Store
	generator Generator
	logger    *slog.Logger

	now     func() time.Time
	newID   func() string
	onUsage func(inputTokens, outputTokens int)
}

// Option represents the options for the Chat handler.
type Option func(*Chat)

// New creates a Chat handler that generates responses with generator and
// keeps transcripts in store.
func New(store *Store, generator Generator, options ...Option) *Chat {
	c := &Chat{
		store:     store,
		generator: generator,
		logger:    slog.Default(),
		now:       time.Now,
		newID: func() string {
			return uuid.New().String()
		},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chat) {
		c.logger = logger.With(slog.String("component", "chat"))
	}
}

// WithClock overrides the clock used for notification timestamps. Used by
// tests for deterministic payloads.
func WithClock(now func() time.Time) Option {
	return func(c *Chat) {
		c.now = now
	}
}

// WithConversationIDs overrides the conversation ID generator. Used by tests
// for deterministic ids.
func WithConversationIDs(newID func() string) Option {
	return func(c *Chat) {
		c.newID = newID
	}
}

// WithUsageObserver installs a callback invoked with the token counts of
// every completed exchange.
func WithUsageObserver(observer func(inputTokens, outputTokens int)) Option {
	return func(c *Chat) {
		c.onUsage = observer
	}
}

// Register registers the chat operations on the router.
func (c *Chat) Register(router *rpc.Router) {
	router.RegisterUnary("chat.status", c.handleStatus)
	router.RegisterStreaming("chat.send", c.handleSend)
	router.RegisterUnary("chat.cancel", c.handleCancel)
}

// StatusResult is the result of chat.status.
type StatusResult struct {
	SDKAvailable bool    `json:"sdk_available"`
	SDKVersion   *string `json:"sdk_version"`
	ErrorMessage *string `json:"error_message"`
}

// SendParams are the parameters of chat.send.
type SendParams struct {
	Message string `json:"message"`
}

// SendResult is the terminal result of chat.send, delivered after the
// response stream ends.
type SendResult struct {
	ConversationID string  `json:"conversation_id"`
	Status         string  `json:"status"` // "complete" or "cancelled"
	TotalCostUSD   float64 `json:"total_cost_usd"`
	Timestamp      string  `json:"timestamp"`
}

// CancelResult is the result of chat.cancel.
type CancelResult struct {
	Cancelled      bool    `json:"cancelled"`
	ConversationID *string `json:"conversation_id"`
}

type chunkNotification struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	IsFinal        bool   `json:"is_final"`
	Timestamp      string `json:"timestamp"`
}

type usageNotification struct {
	ConversationID string  `json:"conversation_id"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	Timestamp      string  `json:"timestamp"`
}

type errorNotification struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (c *Chat) handleStatus(_ context.Context, _ json.RawMessage) (any, error) {
	if !c.generator.Available() {
		msg := "Anthropic API not configured. Set ANTHROPIC_API_KEY to enable chat."
		return StatusResult{
			SDKAvailable: false,
			ErrorMessage: &msg,
		}, nil
	}

	version := c.generator.Version()
	return StatusResult{
		SDKAvailable: true,
		SDKVersion:   &version,
	}, nil
}

func (c *Chat) handleSend(ctx context.Context, params json.RawMessage, notify rpc.NotifyFunc) iter.Seq[rpc.StreamItem] {
	return func(yield func(rpc.StreamItem) bool) {
		var p SendParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				yield(rpc.ErrorItem(rpc.Errorf(rpc.CodeInvalidParams, "invalid chat.send params: %v", err)))
				return
			}
		}

		message := strings.TrimSpace(p.Message)
		if message == "" {
			yield(rpc.ErrorItem(rpc.Errorf(rpc.CodeInvalidParams, "message cannot be empty")))
			return
		}

		if !c.generator.Available() {
			yield(rpc.ErrorItem(rpc.Errorf(rpc.CodeSDKUnavailable,
				"Anthropic API not configured. Set ANTHROPIC_API_KEY to enable chat.")))
			return
		}

		connID := rpc.ConnectionIDFrom(ctx)

		conversationID, ok := c.store.Current(connID)
		if !ok {
			conversationID = c.newID()
			c.store.SetCurrent(connID, conversationID)
		}
		key := Key{ConnectionID: connID, ConversationID: conversationID}

		c.store.GetOrCreate(key)
		c.store.SetActive(key, true)
		defer c.store.SetActive(key, false)

		c.store.AppendTurn(key, Turn{Role: RoleUser, Content: message})

		var (
			responseText strings.Builder
			usage        Usage
			cancelled    bool
			streamErr    error
		)

		for event, err := range c.generator.Stream(ctx, c.store.Turns(key)) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					cancelled = true
				} else {
					streamErr = err
				}
				break
			}

			// chat.cancel clears the active flag; honor it before forwarding
			// the next event.
			if !c.store.Active(key) || ctx.Err() != nil {
				cancelled = true
				break
			}

			switch event.Type {
			case EventTextDelta:
				responseText.WriteString(event.Text)
				if err := notify("chat.response.chunk", chunkNotification{
					ConversationID: conversationID,
					Content:        event.Text,
					IsFinal:        false,
					Timestamp:      c.timestamp(),
				}); err != nil {
					c.logger.Warn("failed to send chunk notification", slog.String("err", err.Error()))
				}
			case EventUsage:
				usage = event.Usage
			}
		}

		switch {
		case cancelled:
			c.logger.Info("chat request cancelled",
				slog.String("conversationID", conversationID))
			yield(rpc.ResultItem(SendResult{
				ConversationID: conversationID,
				Status:         "cancelled",
				TotalCostUSD:   0.0,
				Timestamp:      c.timestamp(),
			}))

		case streamErr != nil:
			c.logger.Error("chat generation failed",
				slog.String("conversationID", conversationID),
				slog.String("err", streamErr.Error()))
			if err := notify("chat.error", errorNotification{
				Code:      "CHAT_ERROR",
				Message:   streamErr.Error(),
				Timestamp: c.timestamp(),
			}); err != nil {
				c.logger.Warn("failed to send error notification", slog.String("err", err.Error()))
			}
			yield(rpc.ErrorItem(rpc.Errorf(rpc.CodeInternalError, "chat generation failed: %v", streamErr)))

		default:
			c.store.AppendTurn(key, Turn{Role: RoleAssistant, Content: responseText.String()})

			if c.onUsage != nil {
				c.onUsage(usage.InputTokens, usage.OutputTokens)
			}

			cost := estimateCost(usage)
			if err := notify("chat.usage", usageNotification{
				ConversationID: conversationID,
				InputTokens:    usage.InputTokens,
				OutputTokens:   usage.OutputTokens,
				TotalTokens:    usage.InputTokens + usage.OutputTokens,
				TotalCostUSD:   cost,
				Timestamp:      c.timestamp(),
			}); err != nil {
				c.logger.Warn("failed to send usage notification", slog.String("err", err.Error()))
			}

			yield(rpc.ResultItem(SendResult{
				ConversationID: conversationID,
				Status:         "complete",
				TotalCostUSD:   cost,
				Timestamp:      c.timestamp(),
			}))
		}
	}
}

func (c *Chat) handleCancel(ctx context.Context, _ json.RawMessage) (any, error) {
	connID := rpc.ConnectionIDFrom(ctx)

	conversationID, ok := c.store.Current(connID)
	if !ok {
		return CancelResult{Cancelled: false}, nil
	}

	key := Key{ConnectionID: connID, ConversationID: conversationID}
	c.store.SetActive(key, false)

	c.logger.Info("chat request cancelled by client",
		slog.String("conversationID", conversationID))

	return CancelResult{
		Cancelled:      true,
		ConversationID: &conversationID,
	}, nil
}

func (c *Chat) timestamp() string {
	return c.now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// estimateCost approximates the request cost in USD from token counts,
// rounded to 6 decimal places.
func estimateCost(usage Usage) float64 {
	cost := float64(usage.InputTokens)/1e6*inputCostPerMTok +
		float64(usage.OutputTokens)/1e6*outputCostPerMTok
	return math.Round(cost*1e6) / 1e6
}
