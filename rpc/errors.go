package rpc

import "fmt"

// JSON-RPC 2.0 error codes used on the wire. The -32001 and -32002 codes are
// implementation-defined extensions carried by the chat protocol.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeSDKUnavailable     = -32001
	CodeOperationCancelled = -32002
)

// Error represents an error object in the JSON-RPC 2.0 protocol. Handlers may
// return an *Error to control the code sent to the caller; any other error is
// reported as CodeInternalError by the router.
type Error struct {
	// Code indicates the error type that occurred. Must be one of the
	// constants defined in this package.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional diagnostic detail. May be omitted.
	Data map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with the given code and a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
