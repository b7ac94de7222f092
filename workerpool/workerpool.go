// Package workerpool runs submitted work on a fixed set of goroutines.
//
// The dispatcher's read loop must never wait on handler work, so Submit only
// appends to an unbounded queue and returns. Shutdown stops intake, lets the
// workers drain everything already queued, then joins them.
package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("workerpool: closed")

// Pool is a fixed-size worker pool. It is safe for concurrent use.
type Pool struct {
	size   int
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	workers errgroup.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used to report panicking work.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// DefaultSize is half the available CPUs, at least one.
func DefaultSize() int {
	return max(1, runtime.NumCPU()/2)
}

// New starts a pool with size workers; size <= 0 means DefaultSize.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	p := &Pool{
		size:   size,
		logger: zap.NewNop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		p.workers.Go(p.work)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit enqueues work. It never blocks on worker availability.
func (p *Pool) Submit(work func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, work)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued units not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown refuses new work, runs everything already queued and waits for
// the workers to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	_ = p.workers.Wait()
}

func (p *Pool) work() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		next := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(next)
	}
}

// run executes one unit; a panic is logged and the worker keeps going.
func (p *Pool) run(work func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	work()
}
