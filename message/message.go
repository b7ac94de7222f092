// Package message defines the JSON-RPC envelopes exchanged by a protocol endpoint.
//
// Three shapes travel over a transport:
//
//	Request:      {"jsonrpc":"2.0","id":1,"method":"m","params":...}  expects exactly one Response
//	Response:     {"jsonrpc":"2.0","id":1,"result":...}                or "error":{code,message,data}
//	Notification: {"jsonrpc":"2.0","method":"m","params":...}          no id, never answered
//
// Params and results stay as raw JSON here; typed conversion happens at the
// dispatch layer through the codec package.
package message

import "encoding/json"

// Version is the value of the "jsonrpc" member on every outbound envelope.
const Version = "2.0"

// Message is implemented by Request, Notification and Response.
type Message interface {
	isMessage()
}

// Request is a call that expects a Response carrying the same ID.
//
// Notifications handed to a guard are represented as a Request whose ID is
// not valid, so a single guard signature sees both kinds of inbound call.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage // nil when the peer sent no params
}

// Notification is a fire-and-forget call.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *ResponseError
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// IsNotification reports whether r carries no ID.
func (r *Request) IsNotification() bool {
	return !r.ID.IsValid()
}

type requestWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type notificationWire struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type resultWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorWire struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      ID             `json:"id"`
	Error   *ResponseError `json:"error"`
}

// MarshalJSON encodes a notification-shaped Request (invalid ID) without an id member.
func (r *Request) MarshalJSON() ([]byte, error) {
	if !r.ID.IsValid() {
		return json.Marshal(notificationWire{JSONRPC: Version, Method: r.Method, Params: r.Params})
	}
	return json.Marshal(requestWire{JSONRPC: Version, ID: r.ID, Method: r.Method, Params: r.Params})
}

func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(notificationWire{JSONRPC: Version, Method: n.Method, Params: n.Params})
}

// MarshalJSON writes either the result or the error member, never both.
// A success response with no result is encoded as "result":null.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(errorWire{JSONRPC: Version, ID: r.ID, Error: r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(resultWire{JSONRPC: Version, ID: r.ID, Result: result})
}

// Invalid stands in for an inbound envelope that parsed as JSON but is not a
// request, response or notification. ID is set when the peer's id could be
// read, so the error response can be correlated.
type Invalid struct {
	ID     ID
	Reason string
}

func (*Invalid) isMessage() {}
