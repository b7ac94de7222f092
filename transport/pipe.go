package transport

import (
	"io"
	"sync"
)

// pipeBuffer is how many frames one direction holds before Write blocks.
const pipeBuffer = 1024

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory transports: bodies written to one are
// read from the other. Closing either end closes both; frames already queued
// are still delivered before Read reports io.EOF.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: ba, out: ab, done: done, closeOnce: once},
		&PipeEnd{in: ab, out: ba, done: done, closeOnce: once}
}

func (p *PipeEnd) Read() ([]byte, error) {
	select {
	case body := <-p.in:
		return body, nil
	case <-p.done:
		select {
		case body := <-p.in:
			return body, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *PipeEnd) Write(body []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
