package dispatch

import (
	"context"
	"sync"

	"mini-jsonrpc/message"
)

// Future is the caller's handle on an outgoing request. It completes exactly
// once, with the decoded result or with a *message.ResponseError (the peer's
// error, a malformed result, or ErrConnectionClosed at shutdown).
type Future[T any] struct {
	id   message.ID
	done chan struct{}
	once sync.Once

	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// ID returns the request ID the future is waiting on.
func (f *Future[T]) ID() message.ID {
	return f.id
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Giving up on ctx
// does not cancel the request; a later Wait still sees the result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future completes.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

func (f *Future[T]) complete(v T, err *message.ResponseError) {
	f.once.Do(func() {
		f.value = v
		if err != nil {
			f.err = err
		}
		close(f.done)
	})
}
