package message

import (
	"encoding/json"
	"fmt"
)

// Error codes carried in ResponseError.Code.
//
// -32768..-32000 is reserved by JSON-RPC; -32099..-32000 is the
// implementation-defined server error range.
const (
	CodeParseError     = -32700 // Invalid JSON was received
	CodeInvalidRequest = -32600 // The JSON is not a valid envelope
	CodeMethodNotFound = -32601 // No handler and no guard took the call
	CodeInvalidParams  = -32602 // Params could not be decoded into the handler's shape
	CodeInternalError  = -32603 // The handler failed or panicked

	CodeServerNotInitialized = -32002 // Call arrived before the initialize handshake
	CodeRateLimited          = -32001 // Call rejected by the rate limit guard
	CodeConnectionClosed     = -32099 // The connection closed while the request was pending

	CodeRequestFailed = -32803 // The request was valid but the server could not fulfil it
)

// ResponseError is the "error" member of a Response. It also serves as the Go
// error returned to callers awaiting a failed outgoing request.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrConnectionClosed resolves every request still pending when a connection shuts down.
var ErrConnectionClosed = &ResponseError{Code: CodeConnectionClosed, Message: "connection closed"}

// NewError returns a ResponseError with the given code and message.
func NewError(code int, msg string) *ResponseError {
	return &ResponseError{Code: code, Message: msg}
}

// Errorf formats a ResponseError message.
func Errorf(code int, format string, args ...any) *ResponseError {
	return &ResponseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches any ResponseError with the same code, so
// errors.Is(err, ErrConnectionClosed) holds regardless of message or data.
func (e *ResponseError) Is(target error) bool {
	t, ok := target.(*ResponseError)
	return ok && t != nil && t.Code == e.Code
}
