// Package dispatch implements the message correlation and dispatch core of a
// JSON-RPC endpoint.
//
// A Dispatcher owns a Transport, a handler registry, a table of pending
// outgoing requests and a worker pool:
//
//	Run (single goroutine) ── Read frame ── Decode ──┬─ Response     → pending table → continuation
//	                                                 ├─ Request      → guard → handler → send response
//	                                                 │                                └─ Async → pool → send response
//	                                                 └─ Notification → guard → handler (never answered)
//
//	any goroutine ── SendRequest / Call ── add(id) to pending table ── write Request
//
// Writes from the read loop, pool workers and callers are serialized by one
// send lock, so frames never interleave. No lock is held while user code
// runs: handlers may send requests and add or remove handlers freely.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
	"mini-jsonrpc/transport"
	"mini-jsonrpc/workerpool"
)

// Dispatcher routes inbound envelopes to handlers and correlates responses
// with outgoing requests. Create one per connection with New, register
// handlers, then call Run.
type Dispatcher struct {
	transport transport.Transport
	codec     codec.Codec
	pool      *workerpool.Pool
	workers   int
	logger    *zap.Logger
	faultHook func(method string, err error)

	handlers *handlerRegistry
	pending  *pendingTable

	seq    atomic.Int64
	nextID func() message.ID

	sendMu sync.Mutex // one frame on the wire at a time

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the worker pool size; n <= 0 means workerpool.DefaultSize.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers = n
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithCodec replaces the JSON envelope codec.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) {
		d.codec = c
	}
}

// WithFaultHook is called for every failure that cannot be reported to the
// peer: failed notification handlers, panicking continuations, failed writes.
func WithFaultHook(hook func(method string, err error)) Option {
	return func(d *Dispatcher) {
		d.faultHook = hook
	}
}

// WithIDGenerator replaces the outgoing request ID generator. Generated IDs
// must be unique among pending requests.
func WithIDGenerator(next func() message.ID) Option {
	return func(d *Dispatcher) {
		d.nextID = next
	}
}

// WithUUIDRequestIDs makes outgoing requests carry random UUID string IDs
// instead of a counter, for peers that share one ID space between endpoints.
func WithUUIDRequestIDs() Option {
	return WithIDGenerator(func() message.ID {
		return message.NewStringID(uuid.NewString())
	})
}

// New creates a Dispatcher over t and starts its worker pool.
func New(t transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		codec:     &codec.JSONCodec{},
		logger:    zap.NewNop(),
		handlers:  newHandlerRegistry(),
		pending:   newPendingTable(),
		done:      make(chan struct{}),
	}
	d.nextID = func() message.ID {
		return message.NewIntID(d.seq.Add(1))
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = workerpool.New(d.workers, workerpool.WithLogger(d.logger))
	return d
}

// Run reads and dispatches inbound envelopes until the peer ends the stream,
// ctx is cancelled or Close is called, then shuts the dispatcher down.
// It returns nil on an orderly end of stream or Close.
//
// Handlers run under a context derived from ctx that is never cancelled:
// once dispatched, a request runs to completion. Run does not wait for that
// work; Done reports when it has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = d.transport.Close()
	})
	defer stop()

	handlerCtx := context.WithoutCancel(ctx)

	var err error
	for {
		data, rerr := d.transport.Read()
		if rerr != nil {
			switch {
			case ctx.Err() != nil:
				err = ctx.Err()
			case errors.Is(rerr, io.EOF), d.closing.Load():
			default:
				err = fmt.Errorf("dispatch: read: %w", rerr)
			}
			break
		}
		d.process(handlerCtx, data)
	}

	d.logger.Debug("read loop finished", zap.Error(err))
	_ = d.transport.Close()
	d.shutdown()
	return err
}

// Close closes the transport and resolves every pending request with
// message.ErrConnectionClosed. Handler work already queued or running keeps
// going; Close does not wait for it and may be called from that work. Done is
// closed once the worker pool has drained.
func (d *Dispatcher) Close() error {
	d.closing.Store(true)
	err := d.transport.Close()
	d.shutdown()
	return err
}

// Done is closed once shutdown has completed and every queued or running
// unit of handler work has finished.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Pending returns the number of outgoing requests awaiting a response.
func (d *Dispatcher) Pending() int {
	return d.pending.len()
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		entries := d.pending.close()
		for id, c := range entries {
			d.settle(context.Background(), id, c, nil, message.ErrConnectionClosed)
		}
		if len(entries) > 0 {
			d.logger.Debug("resolved pending requests at shutdown", zap.Int("count", len(entries)))
		}
		go func() {
			d.pool.Shutdown()
			close(d.done)
		}()
	})
}

// Add registers an untyped handler for method, replacing any previous one.
func (d *Dispatcher) Add(method string, h Handler) {
	d.handlers.add(method, kindGeneric, func(ctx context.Context, params json.RawMessage) outcome {
		result, err := h(ctx, params)
		if err != nil {
			return outcome{err: err}
		}
		return encodeResult(result)
	})
}

// AddAsync registers an untyped handler whose work runs on the worker pool.
func (d *Dispatcher) AddAsync(method string, h AsyncHandler) {
	d.handlers.add(method, kindGeneric, func(ctx context.Context, params json.RawMessage) outcome {
		return deferResult(h(ctx, params))
	})
}

// Remove unregisters method. It is a no-op when nothing is registered.
func (d *Dispatcher) Remove(method string) {
	d.handlers.remove(method)
}

// SetGuard installs the guard consulted before every method lookup,
// replacing any previous guard. A nil guard removes it.
func (d *Dispatcher) SetGuard(g Guard) {
	d.handlers.setGuard(g)
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	return d.handlers.methods()
}

// SendRequest sends an untyped request. then receives the raw result and
// onError any failure; either may be nil. Exactly one of them is called.
func (d *Dispatcher) SendRequest(method string, params any, then func(context.Context, json.RawMessage), onError func(context.Context, *message.ResponseError)) (message.ID, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return message.ID{}, err
	}
	return d.sendRequest(method, raw, &callbackContinuation[json.RawMessage]{then: then, onError: onError})
}

// Call sends an untyped request and returns a Future for its raw result.
func (d *Dispatcher) Call(method string, params any) (*Future[json.RawMessage], error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return callRaw[json.RawMessage](d, method, raw)
}

// Notify sends an untyped notification. There is no completion signal.
func (d *Dispatcher) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	return d.send(&message.Notification{Method: method, Params: raw})
}

// Respond answers request id. It is meant for guards and handlers that
// returned Handled(); a non-nil err becomes an error response.
func (d *Dispatcher) Respond(id message.ID, result any, err error) error {
	if err != nil {
		return d.send(&message.Response{ID: id, Error: toResponseError(err)})
	}
	out := encodeResult(result)
	if out.err != nil {
		return d.send(&message.Response{ID: id, Error: toResponseError(out.err)})
	}
	return d.send(&message.Response{ID: id, Result: out.result})
}

func (d *Dispatcher) sendRequest(method string, params json.RawMessage, c continuation) (message.ID, error) {
	id := d.nextID()
	if err := d.pending.add(id, c); err != nil {
		return message.ID{}, err
	}
	if err := d.send(&message.Request{ID: id, Method: method, Params: params}); err != nil {
		if _, ok := d.pending.take(id); !ok {
			// Shutdown took the entry and already settled c.
			return id, nil
		}
		return message.ID{}, fmt.Errorf("send %s: %w", method, err)
	}
	return id, nil
}

func callRaw[R any](d *Dispatcher, method string, params json.RawMessage) (*Future[R], error) {
	f := newFuture[R]()
	id, err := d.sendRequest(method, params, &futureContinuation[R]{future: f})
	if err != nil {
		return nil, err
	}
	f.id = id
	return f, nil
}

// send encodes msg and writes it under the send lock.
func (d *Dispatcher) send(msg message.Message) error {
	data, err := d.codec.Encode(msg)
	if err != nil {
		return err
	}
	return d.write(data)
}

func (d *Dispatcher) write(data []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.transport.Write(data)
}

// reply sends a response and reports a failed write instead of returning it;
// there is nobody left to return it to.
func (d *Dispatcher) reply(method string, resp *message.Response) {
	if err := d.send(resp); err != nil {
		d.fault(method, fmt.Errorf("write response %s: %w", resp.ID, err))
	}
}

func (d *Dispatcher) fault(method string, err error) {
	d.logger.Warn("dispatch fault", zap.String("method", method), zap.Error(err))
	if d.faultHook != nil {
		d.faultHook(method, err)
	}
}

// process handles one frame body. It runs on the read loop and must not block
// on handler work.
func (d *Dispatcher) process(ctx context.Context, data []byte) {
	msgs, batch, err := d.codec.Decode(data)
	if err != nil {
		d.logger.Warn("unparseable frame", zap.Error(err))
		d.reply("", &message.Response{Error: message.NewError(message.CodeParseError, "parse error")})
		return
	}
	if batch {
		d.processBatch(ctx, msgs)
		return
	}

	switch m := msgs[0].(type) {
	case *message.Response:
		d.processResponse(ctx, m)
	case *message.Request:
		d.processRequest(ctx, m)
	case *message.Notification:
		d.processNotification(ctx, &message.Request{Method: m.Method, Params: m.Params})
	case *message.Invalid:
		d.reply("", invalidResponse(m))
	}
}

func (d *Dispatcher) processResponse(ctx context.Context, resp *message.Response) {
	c, ok := d.pending.take(resp.ID)
	if !ok {
		// Late or duplicate answer, e.g. after a shutdown race. Not an error.
		d.logger.Debug("discarding response with no pending request", zap.Stringer("id", resp.ID))
		return
	}
	d.settle(ctx, resp.ID, c, resp.Result, resp.Error)
}

// settle runs a continuation under the request context of id. A panicking
// continuation is reported and does not reach the read loop.
func (d *Dispatcher) settle(ctx context.Context, id message.ID, c continuation, result json.RawMessage, rerr *message.ResponseError) {
	defer func() {
		if r := recover(); r != nil {
			d.fault("", fmt.Errorf("continuation for %s panicked: %v", id, r))
		}
	}()
	ctx = withRequestID(ctx, id)
	if rerr != nil {
		c.reject(ctx, rerr)
		return
	}
	c.resolve(ctx, result)
}

func (d *Dispatcher) processRequest(ctx context.Context, req *message.Request) {
	ctx = withRequestID(ctx, req.ID)
	out := d.invoke(ctx, req, true)

	switch {
	case out.handled:
	case out.deferred != nil:
		d.offload(req, func() {
			result, err := runAsync(ctx, out.deferred)
			d.reply(req.Method, responseFor(req.ID, result, err))
		})
	default:
		d.reply(req.Method, responseFor(req.ID, out.result, out.err))
	}
}

func (d *Dispatcher) processNotification(ctx context.Context, req *message.Request) {
	out := d.invoke(ctx, req, true)

	switch {
	case out.handled:
	case out.deferred != nil:
		d.offload(req, func() {
			if _, err := runAsync(ctx, out.deferred); err != nil {
				d.notificationFault(req.Method, err)
			}
		})
	case out.err != nil:
		d.notificationFault(req.Method, out.err)
	}
}

func (d *Dispatcher) notificationFault(method string, err error) {
	var rerr *message.ResponseError
	if errors.As(err, &rerr) && rerr.Code == message.CodeMethodNotFound {
		d.logger.Debug("ignoring notification without handler", zap.String("method", method))
		return
	}
	d.fault(method, err)
}

// offload hands work to the pool. Submission only fails during shutdown, when
// the transport is already gone and nothing could be sent anyway.
func (d *Dispatcher) offload(req *message.Request, work func()) {
	if err := d.pool.Submit(work); err != nil {
		d.fault(req.Method, fmt.Errorf("offload %s: %w", req.ID, err))
	}
}

// processBatch resolves batched responses immediately and runs batched calls
// as one pool unit, answering them with a single batch.
func (d *Dispatcher) processBatch(ctx context.Context, msgs []message.Message) {
	var calls []message.Message
	for _, msg := range msgs {
		if resp, ok := msg.(*message.Response); ok {
			d.processResponse(ctx, resp)
			continue
		}
		calls = append(calls, msg)
	}
	if len(calls) == 0 {
		return
	}

	d.offload(&message.Request{Method: "batch"}, func() {
		var replies []message.Message
		for _, call := range calls {
			switch m := call.(type) {
			case *message.Request:
				out := d.invoke(withRequestID(ctx, m.ID), m, false)
				if !out.handled {
					replies = append(replies, responseFor(m.ID, out.result, out.err))
				}
			case *message.Notification:
				out := d.invoke(ctx, &message.Request{Method: m.Method, Params: m.Params}, false)
				if out.err != nil {
					d.notificationFault(m.Method, out.err)
				}
			case *message.Invalid:
				replies = append(replies, invalidResponse(m))
			}
		}
		if len(replies) == 0 {
			return
		}
		data, err := d.codec.EncodeBatch(replies)
		if err == nil {
			err = d.write(data)
		}
		if err != nil {
			d.fault("batch", err)
		}
	})
}

// invoke runs the guard and then the registered handler for req. With
// allowAsync false, deferred work is executed inline and never returned.
func (d *Dispatcher) invoke(ctx context.Context, req *message.Request, allowAsync bool) outcome {
	out := d.route(ctx, req)
	if out.deferred != nil && !allowAsync {
		result, err := runAsync(ctx, out.deferred)
		return outcome{result: result, err: err}
	}
	return out
}

func (d *Dispatcher) route(ctx context.Context, req *message.Request) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: panicError(r)}
		}
	}()

	var after func(error)
	if guard := d.handlers.currentGuard(); guard != nil {
		v := guard(ctx, req)
		switch v.kind {
		case verdictHandled:
			return outcome{handled: true}
		case verdictDeferred:
			return deferResult(v.deferred)
		}
		after = v.after
	}

	out = d.lookup(ctx, req)
	if after == nil {
		return out
	}
	if work := out.deferred; work != nil {
		out.deferred = func(ctx context.Context) (json.RawMessage, error) {
			result, err := runAsync(ctx, work)
			after(err)
			return result, err
		}
		return out
	}
	after(out.err)
	return out
}

func (d *Dispatcher) lookup(ctx context.Context, req *message.Request) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: panicError(r)}
		}
	}()

	entry, ok := d.handlers.entry(req.Method)
	if !ok {
		return outcome{err: message.Errorf(message.CodeMethodNotFound, "method not found: %s", req.Method)}
	}
	if entry.kind == kindNotification && !req.IsNotification() {
		return outcome{err: message.Errorf(message.CodeInvalidRequest, "%s is a notification, not a request", req.Method)}
	}
	return entry.invoke(ctx, req.Params)
}

// runAsync executes deferred work, converting a panic into an error.
func runAsync(ctx context.Context, fn Async[json.RawMessage]) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(r)
		}
	}()
	return fn(ctx)
}

func deferResult[R any](fn Async[R]) outcome {
	if fn == nil {
		return outcome{err: message.NewError(message.CodeInternalError, "handler returned no async result")}
	}
	return outcome{deferred: func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out := encodeResult(v)
		return out.result, out.err
	}}
}

func encodeResult(v any) outcome {
	raw, err := codec.Marshal(v)
	if err != nil {
		return outcome{err: fmt.Errorf("encode result: %w", err)}
	}
	return outcome{result: raw}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case message.NoParams, *message.NoParams:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return codec.Marshal(params)
}

func responseFor(id message.ID, result json.RawMessage, err error) *message.Response {
	if err != nil {
		return &message.Response{ID: id, Error: toResponseError(err)}
	}
	return &message.Response{ID: id, Result: result}
}

// toResponseError passes a *message.ResponseError through unchanged and maps
// anything else to an internal error carrying the error text.
func toResponseError(err error) *message.ResponseError {
	var rerr *message.ResponseError
	if errors.As(err, &rerr) {
		return rerr
	}
	return message.NewError(message.CodeInternalError, err.Error())
}

func invalidResponse(m *message.Invalid) *message.Response {
	return &message.Response{ID: m.ID, Error: message.Errorf(message.CodeInvalidRequest, "invalid request: %s", m.Reason)}
}

func panicError(r any) error {
	return message.Errorf(message.CodeInternalError, "handler panicked: %v", r)
}
