package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mini-jsonrpc/message"
	"mini-jsonrpc/transport"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

type logParams struct {
	Text string `json:"text"`
}

var (
	addMethod      = message.RequestMethod[addParams, int]("arith/add")
	slowMethod     = message.RequestMethod[addParams, int]("arith/slowAdd")
	versionMethod  = message.RequestMethod[message.NoParams, string]("server/version")
	logMethod      = message.NotificationMethod[logParams]("window/logMessage")
	exitMethod     = message.NotificationMethod[message.NoParams]("exit")
	workspaceFetch = message.RequestMethod[logParams, logParams]("workspace/fetch")
)

func registerArith(d *Dispatcher) {
	HandleRequest(d, addMethod, func(_ context.Context, p addParams) (int, error) {
		return p.A + p.B, nil
	})
}

func TestSyncRequest(t *testing.T) {
	_, peer := startDispatcher(t, registerArith)

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":1,"b":2}}`)
	resp := peer.recvResponse()

	assert.Equal(t, message.NewIntID(1), resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestNoParamsRequest(t *testing.T) {
	_, peer := startDispatcher(t, func(d *Dispatcher) {
		HandleRequestNoParams(d, versionMethod, func(context.Context) (string, error) {
			return "1.0.0", nil
		})
	})

	// Whatever params arrive are ignored.
	peer.send(`{"jsonrpc":"2.0","id":"v","method":"server/version","params":[1,2]}`)
	resp := peer.recvResponse()
	assert.JSONEq(t, `"1.0.0"`, string(resp.Result))
}

func TestUnknownMethod(t *testing.T) {
	_, peer := startDispatcher(t, registerArith)

	peer.send(`{"jsonrpc":"2.0","id":7,"method":"textDocument/rename"}`)
	resp := peer.recvResponse()

	require.NotNil(t, resp.Error)
	assert.Equal(t, message.NewIntID(7), resp.ID)
	assert.Equal(t, message.CodeMethodNotFound, resp.Error.Code)
}

func TestMalformedParams(t *testing.T) {
	_, peer := startDispatcher(t, registerArith)

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":"one and two"}`)
	resp := peer.recvResponse()

	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeInvalidParams, resp.Error.Code)
}

func TestHandlerFaults(t *testing.T) {
	_, peer := startDispatcher(t, func(d *Dispatcher) {
		d.Add("fail", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		})
		d.Add("reject", func(context.Context, json.RawMessage) (any, error) {
			return nil, message.NewError(message.CodeRequestFailed, "not now")
		})
		d.Add("panic", func(context.Context, json.RawMessage) (any, error) {
			panic("unexpected state")
		})
		d.AddAsync("asyncPanic", func(context.Context, json.RawMessage) Async[any] {
			return func(context.Context) (any, error) {
				panic("async unexpected state")
			}
		})
	})

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"fail"}`)
	resp := peer.recvResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "disk on fire", resp.Error.Message)

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"reject"}`)
	resp = peer.recvResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeRequestFailed, resp.Error.Code)

	peer.send(`{"jsonrpc":"2.0","id":3,"method":"panic"}`)
	resp = peer.recvResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unexpected state")

	peer.send(`{"jsonrpc":"2.0","id":4,"method":"asyncPanic"}`)
	resp = peer.recvResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.NewIntID(4), resp.ID)
	assert.Contains(t, resp.Error.Message, "async unexpected state")

	// The read loop survived all of it.
	peer.send(`{"jsonrpc":"2.0","id":5,"method":"missing"}`)
	assert.Equal(t, message.NewIntID(5), peer.recvResponse().ID)
}

func TestNotificationSilence(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var faults atomic.Int64
	var delivered atomic.Int64

	_, peer := startDispatcher(t, func(d *Dispatcher) {
		HandleNotification(d, logMethod, func(_ context.Context, p logParams) error {
			delivered.Add(1)
			switch p.Text {
			case "fail":
				return errors.New("cannot log")
			case "panic":
				panic("logger gone")
			}
			return nil
		})
		HandleNotificationAsync(d, message.NotificationMethod[logParams]("asyncLog"), func(_ context.Context, _ logParams) func(context.Context) error {
			return func(context.Context) error {
				delivered.Add(1)
				return errors.New("async cannot log")
			}
		})
	},
		WithLogger(zap.New(core)),
		WithFaultHook(func(string, error) { faults.Add(1) }),
	)

	peer.send(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"text":"ok"}}`)
	peer.send(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"text":"fail"}}`)
	peer.send(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"text":"panic"}}`)
	peer.send(`{"jsonrpc":"2.0","method":"window/logMessage","params":42}`)
	peer.send(`{"jsonrpc":"2.0","method":"asyncLog"}`)
	peer.send(`{"jsonrpc":"2.0","method":"$/unknownNotification"}`)

	peer.expectSilence(200 * time.Millisecond)

	assert.Equal(t, int64(4), delivered.Load())
	// fail, panic, malformed params and the async failure; the unknown method is not a fault.
	assert.Equal(t, int64(4), faults.Load())
	assert.Equal(t, 4, logs.FilterMessage("dispatch fault").Len())
}

func TestNotificationToRequestHandlerDiscardsResult(t *testing.T) {
	var calls atomic.Int64
	_, peer := startDispatcher(t, func(d *Dispatcher) {
		HandleRequest(d, addMethod, func(_ context.Context, p addParams) (int, error) {
			calls.Add(1)
			return p.A + p.B, nil
		})
	})

	peer.send(`{"jsonrpc":"2.0","method":"arith/add","params":{"a":1,"b":1}}`)
	peer.expectSilence(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRequestToNotificationHandler(t *testing.T) {
	_, peer := startDispatcher(t, func(d *Dispatcher) {
		HandleNotificationNoParams(d, exitMethod, func(context.Context) error {
			t.Error("notification handler must not answer a request")
			return nil
		})
	})

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"exit"}`)
	resp := peer.recvResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeInvalidRequest, resp.Error.Code)
}

func TestGuardShortCircuit(t *testing.T) {
	var handlerCalls atomic.Int64
	var seen []string
	var mu sync.Mutex

	d, peer := startDispatcher(t, func(d *Dispatcher) {
		HandleRequest(d, addMethod, func(_ context.Context, p addParams) (int, error) {
			handlerCalls.Add(1)
			return p.A + p.B, nil
		})
	})
	d.SetGuard(func(ctx context.Context, req *message.Request) Verdict {
		mu.Lock()
		seen = append(seen, req.Method)
		mu.Unlock()
		switch req.Method {
		case "arith/add":
			if string(req.Params) == `{"a":0,"b":0}` {
				_ = d.Respond(req.ID, "intercepted", nil)
				return Handled()
			}
		case "deferred":
			return Defer(func(ctx context.Context) (any, error) {
				id, err := CurrentRequestID(ctx)
				return id.String(), err
			})
		}
		return Pass()
	})

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":0,"b":0}}`)
	resp := peer.recvResponse()
	assert.JSONEq(t, `"intercepted"`, string(resp.Result))
	assert.Equal(t, int64(0), handlerCalls.Load())

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"arith/add","params":{"a":2,"b":3}}`)
	resp = peer.recvResponse()
	assert.JSONEq(t, `5`, string(resp.Result))
	assert.Equal(t, int64(1), handlerCalls.Load())

	peer.send(`{"jsonrpc":"2.0","id":3,"method":"deferred"}`)
	resp = peer.recvResponse()
	assert.JSONEq(t, `"3"`, string(resp.Result))

	// The guard sees unknown methods and notifications too.
	peer.send(`{"jsonrpc":"2.0","id":4,"method":"unknown"}`)
	assert.Equal(t, message.CodeMethodNotFound, peer.recvResponse().Error.Code)
	peer.send(`{"jsonrpc":"2.0","method":"note"}`)
	peer.expectSilence(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"arith/add", "arith/add", "deferred", "unknown", "note"}, seen)
}

func TestGuardPassMatchesNoGuard(t *testing.T) {
	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":4,"b":5}}`,
		`{"jsonrpc":"2.0","id":2,"method":"arith/add","params":"bad"}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
	}

	run := func(guard Guard) []*message.Response {
		d, peer := startDispatcher(t, registerArith)
		d.SetGuard(guard)
		var out []*message.Response
		for _, f := range frames {
			peer.send(f)
			out = append(out, peer.recvResponse())
		}
		return out
	}

	without := run(nil)
	with := run(func(context.Context, *message.Request) Verdict { return Pass() })
	assert.Equal(t, without, with)
}

func TestGuardPassThenSeesHandlerOutcome(t *testing.T) {
	type observed struct {
		method string
		err    error
	}
	seen := make(chan observed, 8)
	d, peer := startDispatcher(t, func(d *Dispatcher) {
		registerArith(d)
		d.AddAsync("arith/later", func(context.Context, json.RawMessage) Async[any] {
			return func(context.Context) (any, error) { return nil, errors.New("later failed") }
		})
	})
	d.SetGuard(func(_ context.Context, req *message.Request) Verdict {
		method := req.Method
		first := PassThen(func(err error) { seen <- observed{method, err} })
		return first.Join(Pass())
	})

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":1,"b":2}}`)
	peer.recvResponse()
	got := <-seen
	assert.Equal(t, "arith/add", got.method)
	assert.NoError(t, got.err)

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"arith/add","params":"bad"}`)
	peer.recvResponse()
	got = <-seen
	var rerr *message.ResponseError
	require.True(t, errors.As(got.err, &rerr))
	assert.Equal(t, message.CodeInvalidParams, rerr.Code)

	peer.send(`{"jsonrpc":"2.0","id":3,"method":"arith/later"}`)
	peer.recvResponse()
	got = <-seen
	assert.EqualError(t, got.err, "later failed")

	peer.send(`{"jsonrpc":"2.0","id":4,"method":"nope"}`)
	peer.recvResponse()
	got = <-seen
	require.True(t, errors.As(got.err, &rerr))
	assert.Equal(t, message.CodeMethodNotFound, rerr.Code)

	var both []string
	v := PassThen(func(error) { both = append(both, "a") }).Join(PassThen(func(error) { both = append(both, "b") }))
	assert.True(t, v.IsPass())
	v.after(nil)
	assert.Equal(t, []string{"a", "b"}, both)
}

func TestAsyncOffload(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	_, peer := startDispatcher(t, func(d *Dispatcher) {
		registerArith(d)
		HandleRequestAsync(d, slowMethod, func(_ context.Context, p addParams) Async[int] {
			return func(context.Context) (int, error) {
				close(started)
				<-release
				return p.A + p.B, nil
			}
		})
	}, WithWorkers(2))

	peer.send(`{"jsonrpc":"2.0","id":"A","method":"arith/slowAdd","params":{"a":10,"b":10}}`)
	peer.send(`{"jsonrpc":"2.0","id":"B","method":"arith/add","params":{"a":1,"b":1}}`)

	first := peer.recvResponse()
	assert.Equal(t, message.NewStringID("B"), first.ID)

	<-started
	close(release)

	second := peer.recvResponse()
	assert.Equal(t, message.NewStringID("A"), second.ID)
	assert.JSONEq(t, `20`, string(second.Result))
}

func TestRequestContext(t *testing.T) {
	ids := make(chan message.ID, 2)
	notificationErr := make(chan error, 1)

	_, peer := startDispatcher(t, func(d *Dispatcher) {
		d.Add("sync", func(ctx context.Context, _ json.RawMessage) (any, error) {
			id, err := CurrentRequestID(ctx)
			ids <- id
			return nil, err
		})
		d.AddAsync("async", func(context.Context, json.RawMessage) Async[any] {
			return func(ctx context.Context) (any, error) {
				id, err := CurrentRequestID(ctx)
				ids <- id
				return nil, err
			}
		})
		HandleNotificationNoParams(d, exitMethod, func(ctx context.Context) error {
			_, err := CurrentRequestID(ctx)
			notificationErr <- err
			return nil
		})
	})

	peer.send(`{"jsonrpc":"2.0","id":"42","method":"sync"}`)
	assert.Nil(t, peer.recvResponse().Error)
	assert.Equal(t, message.NewStringID("42"), <-ids)

	peer.send(`{"jsonrpc":"2.0","id":43,"method":"async"}`)
	assert.Nil(t, peer.recvResponse().Error)
	assert.Equal(t, message.NewIntID(43), <-ids)

	peer.send(`{"jsonrpc":"2.0","method":"exit"}`)
	assert.ErrorIs(t, <-notificationErr, ErrNoRequestContext)

	_, err := CurrentRequestID(context.Background())
	assert.ErrorIs(t, err, ErrNoRequestContext)
}

func TestCorrelation(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	const n = 50
	futures := make([]*Future[int], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := Call(d, addMethod, addParams{A: i, B: i})
			assert.NoError(t, err)
			futures[i] = f
		}(i)
	}
	wg.Wait()
	for _, f := range futures {
		require.NotNil(t, f)
	}

	reqs := make([]*message.Request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, peer.recvRequest())
	}
	ids := map[message.ID]bool{}
	for _, req := range reqs {
		ids[req.ID] = true
	}
	require.Len(t, ids, n, "request ids must be distinct")

	// Answer in reverse order of arrival.
	for i := len(reqs) - 1; i >= 0; i-- {
		var p addParams
		require.NoError(t, json.Unmarshal(reqs[i].Params, &p))
		peer.sendJSON(&message.Response{ID: reqs[i].ID, Result: json.RawMessage(fmt.Sprint(p.A + p.B))})
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i, f := range futures {
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2*i, v)
	}
	assert.Equal(t, 0, d.Pending())
}

func TestCallbackSend(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	results := make(chan int, 1)
	failures := make(chan *message.ResponseError, 2)
	contextIDs := make(chan message.ID, 3)

	then := func(ctx context.Context, v int) {
		id, _ := CurrentRequestID(ctx)
		contextIDs <- id
		results <- v
	}
	onError := func(ctx context.Context, err *message.ResponseError) {
		id, _ := CurrentRequestID(ctx)
		contextIDs <- id
		failures <- err
	}

	okID, err := SendRequest(d, addMethod, addParams{A: 2, B: 2}, then, onError)
	require.NoError(t, err)
	req := peer.recvRequest()
	assert.Equal(t, okID, req.ID)
	assert.Equal(t, "arith/add", req.Method)
	assert.JSONEq(t, `{"a":2,"b":2}`, string(req.Params))
	peer.sendJSON(&message.Response{ID: req.ID, Result: json.RawMessage(`4`)})
	assert.Equal(t, 4, <-results)
	assert.Equal(t, okID, <-contextIDs)

	errID, err := SendRequest(d, addMethod, addParams{}, then, onError)
	require.NoError(t, err)
	peer.recvRequest()
	peer.sendJSON(&message.Response{ID: errID, Error: message.NewError(message.CodeRequestFailed, "busy")})
	failure := <-failures
	assert.Equal(t, message.CodeRequestFailed, failure.Code)
	assert.Equal(t, errID, <-contextIDs)

	badID, err := SendRequest(d, addMethod, addParams{}, then, onError)
	require.NoError(t, err)
	peer.recvRequest()
	peer.sendJSON(&message.Response{ID: badID, Result: json.RawMessage(`"four"`)})
	failure = <-failures
	assert.Equal(t, message.CodeParseError, failure.Code)
	assert.Equal(t, badID, <-contextIDs)

	assert.Equal(t, 0, d.Pending())
}

func TestNoParamsSendOmitsParams(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	f, err := CallNoParams(d, versionMethod)
	require.NoError(t, err)
	req := peer.recvRequest()
	assert.Nil(t, req.Params)
	peer.sendJSON(&message.Response{ID: req.ID, Result: json.RawMessage(`"2.1"`)})

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, "2.1", v)

	require.NoError(t, SendNotificationNoParams(d, exitMethod))
	assert.Equal(t, &message.Notification{Method: "exit"}, peer.recv())

	require.NoError(t, SendNotification(d, logMethod, logParams{Text: "hi"}))
	assert.Equal(t, &message.Notification{Method: "window/logMessage", Params: json.RawMessage(`{"text":"hi"}`)}, peer.recv())
}

func TestFutureErrorResponse(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	f, err := d.Call("workspace/configuration", map[string]int{"items": 1})
	require.NoError(t, err)
	req := peer.recvRequest()
	assert.Equal(t, f.ID(), req.ID)

	peer.sendJSON(&message.Response{ID: req.ID, Error: &message.ResponseError{
		Code: message.CodeInvalidParams, Message: "no such item", Data: json.RawMessage(`{"item":1}`),
	}})

	_, err = f.Get()
	var rerr *message.ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, message.CodeInvalidParams, rerr.Code)
	assert.JSONEq(t, `{"item":1}`, string(rerr.Data))
}

func TestMalformedErrorResponseSettlesPending(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	f, err := d.Call("workspace/configuration", nil)
	require.NoError(t, err)
	req := peer.recvRequest()

	peer.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":"boom"}`, req.ID))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = f.Wait(ctx)
	var rerr *message.ResponseError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, message.CodeParseError, rerr.Code)
	assert.Equal(t, 0, d.Pending())

	// A response is never answered, even a broken one.
	peer.expectSilence(100 * time.Millisecond)
}

func TestUnknownAndDuplicateResponsesDiscarded(t *testing.T) {
	d, peer := startDispatcher(t, nil)

	var calls atomic.Int64
	id, err := d.SendRequest("ping", nil, func(context.Context, json.RawMessage) { calls.Add(1) }, nil)
	require.NoError(t, err)
	peer.recvRequest()

	peer.sendJSON(&message.Response{ID: message.NewIntID(999), Result: json.RawMessage(`1`)})
	peer.sendJSON(&message.Response{ID: id, Result: json.RawMessage(`1`)})
	peer.sendJSON(&message.Response{ID: id, Result: json.RawMessage(`2`)})

	// Flush the read loop with a round trip.
	d.Add("flush", func(context.Context, json.RawMessage) (any, error) { return true, nil })
	peer.send(`{"jsonrpc":"2.0","id":"f","method":"flush"}`)
	peer.recvResponse()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestShutdownResolvesPending(t *testing.T) {
	local, remote := transport.Pipe()
	d := New(local)
	peer := newTestPeer(t, remote)

	const k = 5
	futures := make([]*Future[int], 0, k)
	for i := 0; i < k; i++ {
		f, err := Call(d, addMethod, addParams{A: i})
		require.NoError(t, err)
		futures = append(futures, f)
		peer.recvRequest()
	}

	var callbackErrs atomic.Int64
	var wrongCallback atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := SendRequest(d, addMethod, addParams{}, func(context.Context, int) {
			wrongCallback.Add(1)
		}, func(_ context.Context, err *message.ResponseError) {
			if errors.Is(err, message.ErrConnectionClosed) {
				callbackErrs.Add(1)
			}
		})
		require.NoError(t, err)
	}
	require.Equal(t, k+3, d.Pending())

	require.NoError(t, d.Close())
	<-d.Done()

	for _, f := range futures {
		_, err := f.Get()
		assert.ErrorIs(t, err, message.ErrConnectionClosed)
	}
	assert.Equal(t, int64(3), callbackErrs.Load())
	assert.Equal(t, int64(0), wrongCallback.Load())
	assert.Equal(t, 0, d.Pending())

	_, err := Call(d, addMethod, addParams{})
	assert.ErrorIs(t, err, message.ErrConnectionClosed)
}

func TestCloseFromHandlerWork(t *testing.T) {
	closed := make(chan error, 1)
	d, peer := startDispatcher(t, func(d *Dispatcher) {
		d.AddAsync("stop", func(context.Context, json.RawMessage) Async[any] {
			return func(context.Context) (any, error) {
				closed <- d.Close()
				return true, nil
			}
		})
	}, WithWorkers(1))

	f, err := d.Call("never/answered", nil)
	require.NoError(t, err)
	peer.recvRequest()

	peer.send(`{"jsonrpc":"2.0","id":"s","method":"stop"}`)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return on a pool worker")
	}

	select {
	case <-d.Done():
	case <-time.After(waitTimeout):
		t.Fatal("pool did not drain after Close")
	}
	_, err = f.Get()
	assert.ErrorIs(t, err, message.ErrConnectionClosed)
}

// writeHookTransport fails every write after running onWrite.
type writeHookTransport struct {
	onWrite func()
}

func (t *writeHookTransport) Read() ([]byte, error) { return nil, io.EOF }
func (t *writeHookTransport) Close() error          { return nil }

func (t *writeHookTransport) Write([]byte) error {
	if t.onWrite != nil {
		t.onWrite()
	}
	return errors.New("broken pipe")
}

func TestWriteFailureWithoutShutdown(t *testing.T) {
	d := New(&writeHookTransport{})
	defer d.Close()

	_, err := d.Call("ping", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, d.Pending())
}

func TestWriteFailureRacingShutdown(t *testing.T) {
	tr := &writeHookTransport{}
	d := New(tr)
	tr.onWrite = func() { _ = d.Close() }

	f, err := d.Call("ping", nil)
	require.NoError(t, err)
	_, err = f.Get()
	assert.ErrorIs(t, err, message.ErrConnectionClosed)

	d2 := New(tr)
	tr.onWrite = func() { _ = d2.Close() }
	var failures atomic.Int64
	_, err = d2.SendRequest("ping", nil, nil, func(context.Context, *message.ResponseError) {
		failures.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures.Load())
}

func TestRunEndsOnPeerClose(t *testing.T) {
	local, remote := transport.Pipe()
	d := New(local)

	f, err := d.Call("never/answered", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()

	require.NoError(t, remote.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return on end of stream")
	}

	_, err = f.Get()
	assert.ErrorIs(t, err, message.ErrConnectionClosed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	local, _ := transport.Pipe()
	d := New(local)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	<-d.Done()
}

func TestParseErrorAndInvalidRequest(t *testing.T) {
	_, peer := startDispatcher(t, registerArith)

	peer.send(`{"jsonrpc":"2.0","id":1,"method":`)
	resp := peer.recvResponse()
	assert.False(t, resp.ID.IsValid())
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeParseError, resp.Error.Code)

	peer.send(`{"jsonrpc":"2.0","id":2}`)
	resp = peer.recvResponse()
	assert.Equal(t, message.NewIntID(2), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeInvalidRequest, resp.Error.Code)
}

func TestBatch(t *testing.T) {
	var notified atomic.Int64
	_, peer := startDispatcher(t, func(d *Dispatcher) {
		registerArith(d)
		HandleRequestAsync(d, slowMethod, func(_ context.Context, p addParams) Async[int] {
			return func(context.Context) (int, error) { return p.A * p.B, nil }
		})
		HandleNotification(d, logMethod, func(context.Context, logParams) error {
			notified.Add(1)
			return nil
		})
	})

	peer.send(`[
		{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":1,"b":2}},
		{"jsonrpc":"2.0","method":"window/logMessage","params":{"text":"x"}},
		{"jsonrpc":"2.0","id":2,"method":"arith/slowAdd","params":{"a":3,"b":4}},
		{"jsonrpc":"2.0","id":3,"method":"nope"}
	]`)

	replies := peer.recvBatch()
	require.Len(t, replies, 3)
	byID := map[message.ID]*message.Response{}
	for _, r := range replies {
		resp := r.(*message.Response)
		byID[resp.ID] = resp
	}
	assert.JSONEq(t, `3`, string(byID[message.NewIntID(1)].Result))
	assert.JSONEq(t, `12`, string(byID[message.NewIntID(2)].Result))
	assert.Equal(t, message.CodeMethodNotFound, byID[message.NewIntID(3)].Error.Code)
	assert.Equal(t, int64(1), notified.Load())

	// A batch of notifications is never answered.
	peer.send(`[{"jsonrpc":"2.0","method":"window/logMessage","params":{"text":"y"}}]`)
	peer.expectSilence(100 * time.Millisecond)
}

func TestHandlerIssuesNestedRequest(t *testing.T) {
	var d *Dispatcher
	d, peer := startDispatcher(t, func(disp *Dispatcher) {
		HandleRequestAsync(disp, workspaceFetch, func(_ context.Context, p logParams) Async[logParams] {
			return func(ctx context.Context) (logParams, error) {
				f, err := Call(d, workspaceFetch, logParams{Text: "inner:" + p.Text})
				if err != nil {
					return logParams{}, err
				}
				inner, err := f.Wait(ctx)
				if err != nil {
					return logParams{}, err
				}
				return logParams{Text: "outer(" + inner.Text + ")"}, nil
			}
		})
	})

	peer.send(`{"jsonrpc":"2.0","id":"outer","method":"workspace/fetch","params":{"text":"q"}}`)

	inner := peer.recvRequest()
	assert.JSONEq(t, `{"text":"inner:q"}`, string(inner.Params))
	peer.sendJSON(&message.Response{ID: inner.ID, Result: json.RawMessage(`{"text":"answer"}`)})

	resp := peer.recvResponse()
	assert.Equal(t, message.NewStringID("outer"), resp.ID)
	assert.JSONEq(t, `{"text":"outer(answer)"}`, string(resp.Result))
}

func TestRegistryReplaceAndRemove(t *testing.T) {
	d, peer := startDispatcher(t, registerArith)

	HandleRequest(d, addMethod, func(_ context.Context, p addParams) (int, error) {
		return 100 * (p.A + p.B), nil
	})
	d.Remove("not/registered")
	assert.Equal(t, []string{"arith/add"}, d.Methods())

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"arith/add","params":{"a":1,"b":1}}`)
	assert.JSONEq(t, `200`, string(peer.recvResponse().Result))

	d.Remove("arith/add")
	assert.Empty(t, d.Methods())
	peer.send(`{"jsonrpc":"2.0","id":2,"method":"arith/add","params":{"a":1,"b":1}}`)
	assert.Equal(t, message.CodeMethodNotFound, peer.recvResponse().Error.Code)
}

func TestUUIDRequestIDs(t *testing.T) {
	d, peer := startDispatcher(t, nil, WithUUIDRequestIDs())

	f, err := d.Call("ping", nil)
	require.NoError(t, err)
	req := peer.recvRequest()

	s, ok := req.ID.Str()
	require.True(t, ok)
	assert.Len(t, s, 36)
	assert.Equal(t, f.ID(), req.ID)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	d, _ := startDispatcher(t, nil)

	f, err := d.Call("slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.Pending())
}
