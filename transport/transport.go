// Package transport moves whole frame bodies between two endpoints.
//
// A Transport is deliberately dumb: Read returns the next body in arrival
// order, Write sends one body. It does not serialize concurrent writers;
// the dispatcher owning a Transport holds its own send lock so that
//
//	worker-1 ──Write(resp 7)──┐
//	worker-2 ──Write(resp 3)──┼──→ one stream, whole frames, never interleaved
//	caller   ──Write(req 9)───┘
//
// Read is only ever called from a single read loop.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"mini-jsonrpc/protocol"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is the contract the dispatcher consumes. Read returns io.EOF
// when the peer ends the stream in an orderly way.
type Transport interface {
	Read() ([]byte, error)
	Write(body []byte) error
	Close() error
}

// StreamTransport frames bodies over a byte stream (TCP connection, pipe, stdio).
type StreamTransport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	closeOnce sync.Once
	closeErr  error
}

// NewStream creates a transport reading from r and writing to w. closer may
// be nil when the streams must outlive the transport.
func NewStream(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	return &StreamTransport{
		reader: bufio.NewReader(r),
		writer: w,
		closer: closer,
	}
}

// NewConn creates a transport over a network connection and owns it.
func NewConn(conn net.Conn) *StreamTransport {
	return NewStream(conn, conn, conn)
}

// Stdio creates a transport over the process's standard input and output,
// the usual arrangement when an editor spawns a language server.
func Stdio() *StreamTransport {
	return NewStream(os.Stdin, os.Stdout, os.Stdin)
}

func (t *StreamTransport) Read() ([]byte, error) {
	return protocol.Decode(t.reader)
}

func (t *StreamTransport) Write(body []byte) error {
	return protocol.Encode(t.writer, body)
}

// Close closes the underlying stream once; later calls return the first result.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}
