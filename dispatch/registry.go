package dispatch

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"mini-jsonrpc/message"
)

type handlerKind int

const (
	kindRequest handlerKind = iota
	kindNotification
	kindGeneric
)

// outcome is what a handler invocation produced: an immediate result or
// error, a deferred unit of work for the pool, or nothing at all because a
// guard fully handled the call.
type outcome struct {
	result   json.RawMessage
	err      error
	deferred Async[json.RawMessage]
	handled  bool
}

// invocation is the type-erased wrapper stored for every method. Typed
// registration helpers build it around the user's function so decoding of
// params and encoding of results happens in one place.
type invocation func(ctx context.Context, params json.RawMessage) outcome

type handlerEntry struct {
	kind   handlerKind
	invoke invocation
}

// Async is deferred handler work. The dispatcher runs it on a pool worker
// under the same request context and sends its result as the response.
type Async[R any] func(ctx context.Context) (R, error)

// Handler handles a method whose shape is not known at compile time. Its
// result is encoded as JSON; it is discarded when the call was a notification.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// AsyncHandler is the pool-offloaded form of Handler.
type AsyncHandler func(ctx context.Context, params json.RawMessage) Async[any]

type verdictKind int

const (
	verdictPass verdictKind = iota
	verdictHandled
	verdictDeferred
)

// Verdict is a guard's decision about one inbound call.
type Verdict struct {
	kind     verdictKind
	deferred Async[any]
	after    func(err error)
}

// Pass lets the call continue to ordinary method lookup.
func Pass() Verdict { return Verdict{kind: verdictPass} }

// PassThen lets the call through and calls after with the handler's error,
// nil on success, once the handler has finished. For async handlers that is
// after the offloaded work returns. A call with no handler reports the
// method-not-found error.
func PassThen(after func(err error)) Verdict {
	return Verdict{kind: verdictPass, after: after}
}

// Handled reports the call as fully handled. The dispatcher sends nothing;
// a guard that wants the peer answered calls Dispatcher.Respond itself.
func Handled() Verdict { return Verdict{kind: verdictHandled} }

// Defer answers the call with fn's result, computed on the worker pool.
func Defer(fn Async[any]) Verdict { return Verdict{kind: verdictDeferred, deferred: fn} }

// IsPass reports whether v lets the call through.
func (v Verdict) IsPass() bool { return v.kind == verdictPass }

// Join returns a Pass verdict running the after callbacks of both v and w.
// It is meant for combining guards that each passed.
func (v Verdict) Join(w Verdict) Verdict {
	switch {
	case v.after == nil:
		return Verdict{kind: verdictPass, after: w.after}
	case w.after == nil:
		return Verdict{kind: verdictPass, after: v.after}
	}
	first, second := v.after, w.after
	return PassThen(func(err error) {
		first(err)
		second(err)
	})
}

// Guard sees every inbound request and notification before method lookup,
// including calls to unregistered methods. Notifications arrive with an
// invalid req.ID.
type Guard func(ctx context.Context, req *message.Request) Verdict

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry
	guard    Guard
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]handlerEntry)}
}

func (r *handlerRegistry) add(method string, kind handlerKind, invoke invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handlerEntry{kind: kind, invoke: invoke}
}

func (r *handlerRegistry) remove(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

func (r *handlerRegistry) setGuard(g Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard = g
}

// currentGuard and entry return snapshots; the lock is released before
// either is called, so guards and handlers may themselves add or remove
// handlers.
func (r *handlerRegistry) currentGuard() Guard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guard
}

func (r *handlerRegistry) entry(method string) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handlers[method]
	return entry, ok
}

func (r *handlerRegistry) methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
