package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version literal every envelope must carry.
const Version = "2.0"

// nullID marks a reply to a request whose id could not be recovered. The
// caller cannot be correlated to a request it never validly sent, so the id
// is explicitly null per the JSON-RPC 2.0 specification.
var nullID = json.RawMessage("null")

// Message represents one JSON-RPC 2.0 envelope. Which fields are populated
// determines its kind:
//   - Request: ID, Method, and optionally Params are set
//   - Notification: Method and optionally Params are set (no ID)
//   - Response: ID and either Result or Error are set
//
// ID is kept as raw JSON so string and numeric ids round-trip verbatim.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries a usable request id. A missing id
// and an explicit null both mark the message as a fire-and-forget
// notification.
func (m Message) HasID() bool {
	trimmed := bytes.TrimSpace(m.ID)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, nullID)
}

// DecodeMessage parses one raw inbound frame into a Message, enforcing the
// envelope invariants: the payload must be a JSON object, the protocol
// version must match, and an operation name must be present. Params, Result,
// and Error contents are opaque to the codec.
//
// On failure the returned Message still carries whatever id could be
// recovered, so the caller can correlate the error reply.
func DecodeMessage(raw []byte) (Message, *Error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Message{}, Errorf(CodeInvalidRequest, "request must be an object")
		}
		return Message{}, &Error{
			Code:    CodeParseError,
			Message: fmt.Sprintf("invalid JSON: %s", err.Error()),
			Data:    map[string]any{"detail": err.Error()},
		}
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{ID: fields["id"]}, Errorf(CodeInvalidRequest, "malformed envelope: %s", err.Error())
	}

	if msg.JSONRPC != Version {
		return msg, Errorf(CodeInvalidRequest, "jsonrpc must be %q", Version)
	}
	if msg.Method == "" {
		return msg, Errorf(CodeInvalidRequest, "method is required")
	}
	return msg, nil
}

// NewResponse builds a success response correlated to the given request id.
func NewResponse(id json.RawMessage, result any) (Message, error) {
	resultBs, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{
		JSONRPC: Version,
		ID:      id,
		Result:  resultBs,
	}, nil
}

// NewErrorResponse builds an error response correlated to the given request
// id. A nil id is sent as an explicit null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) Message {
	if len(bytes.TrimSpace(id)) == 0 {
		id = nullID
	}
	return Message{
		JSONRPC: Version,
		ID:      id,
		Error:   rpcErr,
	}
}

// NewNotification builds an outbound notification envelope. Notifications
// carry no id and never receive a reply.
func NewNotification(method string, params any) (Message, error) {
	msg := Message{
		JSONRPC: Version,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}
