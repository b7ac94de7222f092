package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mini-jsonrpc/message"
)

// JSONCodec encodes envelopes as JSON-RPC 2.0 objects.
type JSONCodec struct{}

// wireEnvelope has every member any envelope may carry. Members stay raw so a
// malformed one can be reported without losing the id.
type wireEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *JSONCodec) Encode(msg message.Message) ([]byte, error) {
	if _, ok := msg.(*message.Invalid); ok {
		return nil, fmt.Errorf("codec: cannot encode an invalid envelope")
	}
	return json.Marshal(msg)
}

func (c *JSONCodec) EncodeBatch(msgs []message.Message) ([]byte, error) {
	for _, msg := range msgs {
		if _, ok := msg.(*message.Invalid); ok {
			return nil, fmt.Errorf("codec: cannot encode an invalid envelope")
		}
	}
	return json.Marshal(msgs)
}

func (c *JSONCodec) Decode(data []byte) ([]message.Message, bool, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, false, ErrParse
	}

	if data[0] != '[' {
		return []message.Message{classify(data)}, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if len(items) == 0 {
		// An empty batch is answered with a single error, not an empty array.
		return []message.Message{&message.Invalid{Reason: "empty batch"}}, false, nil
	}
	msgs := make([]message.Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, classify(item))
	}
	return msgs, true, nil
}

func classify(data []byte) message.Message {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return &message.Invalid{Reason: err.Error()}
	}

	var id message.ID
	if w.ID != nil {
		if err := json.Unmarshal(w.ID, &id); err != nil {
			return &message.Invalid{Reason: err.Error()}
		}
	}

	if present(w.Method) {
		var method string
		if err := json.Unmarshal(w.Method, &method); err != nil {
			return &message.Invalid{ID: id, Reason: "method is not a string"}
		}
		if method == "" {
			return &message.Invalid{ID: id, Reason: "empty method"}
		}
		if id.IsValid() {
			return &message.Request{ID: id, Method: method, Params: w.Params}
		}
		return &message.Notification{Method: method, Params: w.Params}
	}

	var rerr *message.ResponseError
	if present(w.Error) {
		if err := json.Unmarshal(w.Error, &rerr); err != nil {
			if !id.IsValid() {
				return &message.Invalid{Reason: "malformed error member: " + err.Error()}
			}
			// The pending request must still be settled.
			return &message.Response{ID: id, Error: message.Errorf(message.CodeParseError, "malformed response: %v", err)}
		}
	}

	switch {
	case w.Result != nil && rerr != nil:
		return &message.Invalid{ID: id, Reason: "response carries both result and error"}

	case w.Result != nil || rerr != nil:
		return &message.Response{ID: id, Result: w.Result, Error: rerr}

	default:
		return &message.Invalid{ID: id, Reason: "envelope is neither a call nor a response"}
	}
}

// present reports whether a member was sent with a non-null value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
