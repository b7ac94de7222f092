package dispatch

import (
	"context"
	"encoding/json"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
)

// HandleRequest registers fn as the handler of request method m.
func HandleRequest[P, R any](d *Dispatcher, m message.RequestMethod[P, R], fn func(context.Context, P) (R, error)) {
	d.handlers.add(string(m), kindRequest, func(ctx context.Context, params json.RawMessage) outcome {
		p, err := decodeParams[P](params)
		if err != nil {
			return outcome{err: err}
		}
		r, err := fn(ctx, p)
		if err != nil {
			return outcome{err: err}
		}
		return encodeResult(r)
	})
}

// HandleRequestAsync registers fn as the handler of request method m. fn
// runs on the read loop and should only capture what it needs; the returned
// Async runs on the worker pool and its result is sent as the response.
func HandleRequestAsync[P, R any](d *Dispatcher, m message.RequestMethod[P, R], fn func(context.Context, P) Async[R]) {
	d.handlers.add(string(m), kindRequest, func(ctx context.Context, params json.RawMessage) outcome {
		p, err := decodeParams[P](params)
		if err != nil {
			return outcome{err: err}
		}
		return deferResult(fn(ctx, p))
	})
}

// HandleRequestNoParams registers fn for a request that takes no params.
func HandleRequestNoParams[R any](d *Dispatcher, m message.RequestMethod[message.NoParams, R], fn func(context.Context) (R, error)) {
	HandleRequest(d, m, func(ctx context.Context, _ message.NoParams) (R, error) {
		return fn(ctx)
	})
}

// HandleNotification registers fn for notification m. An error is never sent
// to the peer; it is logged and passed to the fault hook.
func HandleNotification[P any](d *Dispatcher, m message.NotificationMethod[P], fn func(context.Context, P) error) {
	d.handlers.add(string(m), kindNotification, func(ctx context.Context, params json.RawMessage) outcome {
		p, err := decodeParams[P](params)
		if err != nil {
			return outcome{err: err}
		}
		return outcome{err: fn(ctx, p)}
	})
}

// HandleNotificationAsync registers fn for notification m; the returned
// work runs on the worker pool.
func HandleNotificationAsync[P any](d *Dispatcher, m message.NotificationMethod[P], fn func(context.Context, P) func(context.Context) error) {
	d.handlers.add(string(m), kindNotification, func(ctx context.Context, params json.RawMessage) outcome {
		p, err := decodeParams[P](params)
		if err != nil {
			return outcome{err: err}
		}
		work := fn(ctx, p)
		if work == nil {
			return outcome{}
		}
		return deferResult(func(ctx context.Context) (message.NoResult, error) {
			return message.NoResult{}, work(ctx)
		})
	})
}

// HandleNotificationNoParams registers fn for a notification without params.
func HandleNotificationNoParams(d *Dispatcher, m message.NotificationMethod[message.NoParams], fn func(context.Context) error) {
	HandleNotification(d, m, func(ctx context.Context, _ message.NoParams) error {
		return fn(ctx)
	})
}

// SendRequest sends request m. then receives the decoded result, onError the
// peer's error, a malformed result or ErrConnectionClosed; either may be nil.
func SendRequest[P, R any](d *Dispatcher, m message.RequestMethod[P, R], params P, then func(context.Context, R), onError func(context.Context, *message.ResponseError)) (message.ID, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return message.ID{}, err
	}
	return d.sendRequest(string(m), raw, &callbackContinuation[R]{then: then, onError: onError})
}

// SendRequestNoParams sends a request that takes no params.
func SendRequestNoParams[R any](d *Dispatcher, m message.RequestMethod[message.NoParams, R], then func(context.Context, R), onError func(context.Context, *message.ResponseError)) (message.ID, error) {
	return SendRequest(d, m, message.NoParams{}, then, onError)
}

// Call sends request m and returns a Future for its decoded result.
func Call[P, R any](d *Dispatcher, m message.RequestMethod[P, R], params P) (*Future[R], error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return callRaw[R](d, string(m), raw)
}

// CallNoParams sends a request that takes no params and returns its Future.
func CallNoParams[R any](d *Dispatcher, m message.RequestMethod[message.NoParams, R]) (*Future[R], error) {
	return Call(d, m, message.NoParams{})
}

// SendNotification sends notification m.
func SendNotification[P any](d *Dispatcher, m message.NotificationMethod[P], params P) error {
	return d.Notify(string(m), params)
}

// SendNotificationNoParams sends a notification without params.
func SendNotificationNoParams(d *Dispatcher, m message.NotificationMethod[message.NoParams]) error {
	return d.Notify(string(m), nil)
}

func decodeParams[P any](params json.RawMessage) (P, error) {
	var p P
	if _, ok := any(p).(message.NoParams); ok {
		return p, nil
	}
	p, err := codec.Unmarshal[P](params)
	if err != nil {
		return p, message.Errorf(message.CodeInvalidParams, "invalid params: %v", err)
	}
	return p, nil
}
