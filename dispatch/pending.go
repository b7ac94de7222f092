package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
)

// continuation receives the outcome of one outgoing request. The pending
// table hands each continuation out at most once, so implementations need
// no guarding of their own.
type continuation interface {
	resolve(ctx context.Context, result json.RawMessage)
	reject(ctx context.Context, err *message.ResponseError)
}

// pendingTable owns every continuation between send and resolution.
//
//	sendRequest ──add(id)──→ [ id → continuation ] ──take(id)──→ read loop resolves
//	                                  │
//	                          close() at shutdown → every entry rejected with ErrConnectionClosed
type pendingTable struct {
	mu      sync.Mutex
	entries map[message.ID]continuation
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[message.ID]continuation)}
}

func (t *pendingTable) add(id message.ID, c continuation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return message.ErrConnectionClosed
	}
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("dispatch: request id %s is already pending", id)
	}
	t.entries[id] = c
	return nil
}

// take removes and returns the continuation for id.
func (t *pendingTable) take(id message.ID) (continuation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return c, ok
}

// close refuses further entries and returns everything still pending.
func (t *pendingTable) close() map[message.ID]continuation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	entries := t.entries
	t.entries = make(map[message.ID]continuation)
	return entries
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// callbackContinuation delivers a typed result to then, or any failure to onError.
type callbackContinuation[R any] struct {
	then    func(context.Context, R)
	onError func(context.Context, *message.ResponseError)
}

func (c *callbackContinuation[R]) resolve(ctx context.Context, result json.RawMessage) {
	v, err := codec.Unmarshal[R](result)
	if err != nil {
		c.reject(ctx, malformedResult(err))
		return
	}
	if c.then != nil {
		c.then(ctx, v)
	}
}

func (c *callbackContinuation[R]) reject(ctx context.Context, err *message.ResponseError) {
	if c.onError != nil {
		c.onError(ctx, err)
	}
}

// futureContinuation completes a Future handed to the caller at send time.
type futureContinuation[R any] struct {
	future *Future[R]
}

func (c *futureContinuation[R]) resolve(_ context.Context, result json.RawMessage) {
	v, err := codec.Unmarshal[R](result)
	if err != nil {
		var zero R
		c.future.complete(zero, malformedResult(err))
		return
	}
	c.future.complete(v, nil)
}

func (c *futureContinuation[R]) reject(_ context.Context, err *message.ResponseError) {
	var zero R
	c.future.complete(zero, err)
}

func malformedResult(err error) *message.ResponseError {
	return message.Errorf(message.CodeParseError, "malformed result: %v", err)
}
