package message

// RequestMethod names a request method and declares its params (P) and
// result (R) shapes. Typed registration and send helpers in the dispatch
// package take a RequestMethod, so a handler or continuation whose signature
// disagrees with the declared shape does not compile.
//
//	var Hover = message.RequestMethod[HoverParams, *Hover]("textDocument/hover")
type RequestMethod[P, R any] string

// NotificationMethod names a notification and declares its params shape.
type NotificationMethod[P any] string

// NoParams is the params shape of methods that take none. Nothing is sent on
// the wire and anything received is ignored.
type NoParams struct{}

// NoResult is the result shape of requests that answer with null.
type NoResult struct{}

func (NoResult) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (*NoResult) UnmarshalJSON([]byte) error { return nil }
