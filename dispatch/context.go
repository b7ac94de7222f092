package dispatch

import (
	"context"
	"errors"

	"mini-jsonrpc/message"
)

// ErrNoRequestContext is returned by CurrentRequestID when ctx was not
// handed out by the dispatcher for a request handler or a response
// continuation. It signals a programming error, not a protocol error.
var ErrNoRequestContext = errors.New("dispatch: no request in context")

type requestIDKey struct{}

func withRequestID(ctx context.Context, id message.ID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// CurrentRequestID returns the ID of the request being handled (or of the
// response being delivered to a continuation) on ctx.
//
// Handlers can use it to correlate logs or outgoing calls with the request
// that triggered them without threading the ID through every function.
// Notification handlers have no request ID.
func CurrentRequestID(ctx context.Context) (message.ID, error) {
	id, ok := ctx.Value(requestIDKey{}).(message.ID)
	if !ok || !id.IsValid() {
		return message.ID{}, ErrNoRequestContext
	}
	return id, nil
}
