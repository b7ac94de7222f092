package middleware

import (
	"context"
	"encoding/json"
	"time"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// Timeout bounds an async handler's work. The work gets a context that
// expires after timeout; if it has not returned by then the call fails with
// CodeRequestFailed and the late result is discarded.
func Timeout(timeout time.Duration, h dispatch.AsyncHandler) dispatch.AsyncHandler {
	return func(ctx context.Context, params json.RawMessage) dispatch.Async[any] {
		work := h(ctx, params)
		if work == nil {
			return nil
		}
		return func(ctx context.Context) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				v   any
				err error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: message.Errorf(message.CodeInternalError, "handler panicked: %v", r)}
					}
				}()
				v, err := work(ctx)
				done <- result{v, err}
			}()

			select {
			case r := <-done:
				return r.v, r.err
			case <-ctx.Done():
				return nil, message.Errorf(message.CodeRequestFailed, "request timed out after %s", timeout)
			}
		}
	}
}
