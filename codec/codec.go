// Package codec converts between frame bodies and message envelopes, and
// between typed Go values and the raw JSON carried in params and results.
//
// A frame body is either a single envelope or a batch (JSON array). Decode
// classifies every envelope by its members:
//
//	"method" + non-null "id"   → *message.Request
//	"method" without "id"      → *message.Notification
//	"result" or "error" + "id" → *message.Response
//	anything else              → *message.Invalid
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"mini-jsonrpc/message"
)

var (
	// ErrParse means the frame body is not JSON at all.
	ErrParse = errors.New("codec: malformed JSON")
	// ErrMalformedPayload means params or a result could not be converted to
	// or from the Go shape declared for a method.
	ErrMalformedPayload = errors.New("codec: malformed payload")
)

// Codec turns envelopes into frame bodies and back.
type Codec interface {
	Encode(msg message.Message) ([]byte, error)
	EncodeBatch(msgs []message.Message) ([]byte, error)
	// Decode returns the envelopes in data and whether they arrived as a batch.
	// Only ErrParse-wrapped errors are returned; structurally invalid
	// envelopes come back as *message.Invalid.
	Decode(data []byte) ([]message.Message, bool, error)
}

// Marshal converts a typed value into raw JSON.
func Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return data, nil
}

// Unmarshal converts raw JSON into T. Missing params decode to T's zero value.
func Unmarshal[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return v, nil
}
