package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
	"mini-jsonrpc/transport"
)

const waitTimeout = 2 * time.Second

// testPeer plays the remote endpoint: it writes raw frames to the dispatcher
// and collects whatever the dispatcher writes back.
type testPeer struct {
	t      *testing.T
	end    *transport.PipeEnd
	codec  codec.JSONCodec
	frames chan []byte
}

func newTestPeer(t *testing.T, end *transport.PipeEnd) *testPeer {
	p := &testPeer{t: t, end: end, frames: make(chan []byte, 1024)}
	go func() {
		defer close(p.frames)
		for {
			data, err := end.Read()
			if err != nil {
				return
			}
			p.frames <- data
		}
	}()
	return p
}

// startDispatcher runs a dispatcher against a fresh peer. register is called
// before the read loop starts.
func startDispatcher(t *testing.T, register func(d *Dispatcher), opts ...Option) (*Dispatcher, *testPeer) {
	t.Helper()
	local, remote := transport.Pipe()
	d := New(local, opts...)
	if register != nil {
		register(d)
	}
	peer := newTestPeer(t, remote)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = d.Close()
		select {
		case <-errCh:
		case <-time.After(waitTimeout):
			t.Error("read loop did not stop")
		}
	})
	return d, peer
}

func (p *testPeer) send(raw string) {
	p.t.Helper()
	require.NoError(p.t, p.end.Write([]byte(raw)))
}

func (p *testPeer) sendJSON(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(p.t, err)
	require.NoError(p.t, p.end.Write(data))
}

func (p *testPeer) recvRaw() []byte {
	p.t.Helper()
	select {
	case data, ok := <-p.frames:
		require.True(p.t, ok, "transport closed while waiting for a frame")
		return data
	case <-time.After(waitTimeout):
		p.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (p *testPeer) recv() message.Message {
	p.t.Helper()
	msgs, batch, err := p.codec.Decode(p.recvRaw())
	require.NoError(p.t, err)
	require.False(p.t, batch, "unexpected batch")
	return msgs[0]
}

func (p *testPeer) recvBatch() []message.Message {
	p.t.Helper()
	msgs, batch, err := p.codec.Decode(p.recvRaw())
	require.NoError(p.t, err)
	require.True(p.t, batch, "expected a batch")
	return msgs
}

func (p *testPeer) recvResponse() *message.Response {
	p.t.Helper()
	msg := p.recv()
	resp, ok := msg.(*message.Response)
	require.True(p.t, ok, "expected a response, got %T", msg)
	return resp
}

func (p *testPeer) recvRequest() *message.Request {
	p.t.Helper()
	msg := p.recv()
	req, ok := msg.(*message.Request)
	require.True(p.t, ok, "expected a request, got %T", msg)
	return req
}

// expectSilence fails if the dispatcher writes anything within d.
func (p *testPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	select {
	case data := <-p.frames:
		p.t.Fatalf("expected no frame, got %s", data)
	case <-time.After(d):
	}
}
