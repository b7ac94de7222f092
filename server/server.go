// Package server hosts JSON-RPC endpoints over TCP or stdio.
//
// Every accepted connection gets its own dispatcher, so correlation state
// and worker pools never mix between peers:
//
//	Accept conn → transport.NewConn → dispatch.New → install services + setup + guard
//	  → Run (single read loop per connection, handler work on its pool)
//
// Shutdown deregisters the endpoint first so clients stop dialing it, then
// stops accepting and closes every live dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and runs one dispatcher per connection.
type Server struct {
	name         string                   // service name advertised in the registry
	services     map[string]*service      // reflection-registered receivers
	setups       []func(*dispatch.Dispatcher)
	guard        func(*dispatch.Dispatcher) dispatch.Guard
	dispatchOpts []dispatch.Option
	logger       *zap.Logger
	ttl          int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[*dispatch.Dispatcher]struct{}
	wg       sync.WaitGroup // live connections

	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithName sets the service name used for registry advertisement.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithLogger sets the server logger. Each connection's dispatcher logs
// through it with the remote address attached.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWorkers sets the worker pool size of every connection's dispatcher.
func WithWorkers(n int) Option {
	return func(s *Server) { s.dispatchOpts = append(s.dispatchOpts, dispatch.WithWorkers(n)) }
}

// WithDispatchOptions appends options applied to every dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Server) { s.dispatchOpts = append(s.dispatchOpts, opts...) }
}

// WithGuard installs a guard on every connection. The factory receives the
// connection's dispatcher so guards can answer requests through it.
func WithGuard(factory func(*dispatch.Dispatcher) dispatch.Guard) Option {
	return func(s *Server) { s.guard = factory }
}

// WithTTL sets the registry lease TTL in seconds. Default 10.
func WithTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	s := &Server{
		name:     "mini-jsonrpc",
		services: make(map[string]*service),
		logger:   zap.NewNop(),
		ttl:      10,
		conns:    make(map[*dispatch.Dispatcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the qualifying methods of rcvr under its lower-camel type
// name. See service for the accepted method shape.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit method prefix.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.services[svc.name] = svc
	return nil
}

// Handle adds a setup callback run against every new connection's
// dispatcher before its read loop starts, typically to register typed
// handlers.
func (s *Server) Handle(setup func(*dispatch.Dispatcher)) {
	s.setups = append(s.setups, setup)
}

// Methods returns every reflection-registered method name, sorted.
func (s *Server) Methods() []string {
	var names []string
	for _, svc := range s.services {
		for name := range svc.method {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(network, address, advertiseAddr string, reg registry.Registry) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln, advertiseAddr, reg)
}

// Serve advertises advertiseAddr in reg (when reg is non-nil) and accepts
// connections on ln until Shutdown, after which it returns ErrServerClosed.
//
// advertiseAddr differs from the listen address because ":7070" is not
// routable for other hosts.
func (s *Server) Serve(ln net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}

	if reg != nil {
		if advertiseAddr == "" {
			advertiseAddr = ln.Addr().String()
		}
		ep := registry.Endpoint{Addr: advertiseAddr, Weight: 10, Methods: s.Methods()}
		if err := reg.Register(context.Background(), s.name, ep, s.ttl); err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: register %s: %w", s.name, err)
		}
		s.mu.Lock()
		s.registry, s.advertiseAddr = reg, advertiseAddr
		s.mu.Unlock()
	}

	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.String("service", s.name))
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that error is expected.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
			if err := s.run(context.Background(), transport.NewConn(conn), logger); err != nil {
				logger.Warn("connection ended with error", zap.Error(err))
			}
		}()
	}
}

// ServeTransport runs a single dispatcher over t until the peer ends the
// stream or ctx is cancelled.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport) error {
	s.wg.Add(1)
	defer s.wg.Done()
	return s.run(ctx, t, s.logger)
}

// ServeStdio serves one peer over standard input and output, the way
// editors launch language servers.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeTransport(ctx, transport.Stdio())
}

func (s *Server) run(ctx context.Context, t transport.Transport, logger *zap.Logger) error {
	d := s.newDispatcher(t, logger)
	if !s.track(d) {
		_ = d.Close()
		return ErrServerClosed
	}
	defer s.untrack(d)

	logger.Debug("connection opened")
	err := d.Run(ctx)
	<-d.Done()
	logger.Debug("connection closed", zap.Error(err))
	return err
}

func (s *Server) newDispatcher(t transport.Transport, logger *zap.Logger) *dispatch.Dispatcher {
	opts := append([]dispatch.Option{dispatch.WithLogger(logger)}, s.dispatchOpts...)
	d := dispatch.New(t, opts...)
	for _, svc := range s.services {
		svc.install(d)
	}
	for _, setup := range s.setups {
		setup(d)
	}
	if s.guard != nil {
		d.SetGuard(s.guard(d))
	}
	return d
}

func (s *Server) track(d *dispatch.Dispatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[d] = struct{}{}
	return true
}

func (s *Server) untrack(d *dispatch.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, d)
}

// Shutdown stops the server:
//  1. Deregister from the registry, so clients stop picking this endpoint
//  2. Set the shutdown flag, then close the listener
//  3. Close every live connection's dispatcher, failing its pending calls
//  4. Wait for connection goroutines to finish, up to timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, addr, ln := s.registry, s.advertiseAddr, s.listener
	s.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, s.name, addr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	// The flag goes first so the Accept error is recognized as intentional.
	s.mu.Lock()
	s.shutdown.Store(true)
	conns := make([]*dispatch.Dispatcher, 0, len(s.conns))
	for d := range s.conns {
		conns = append(conns, d)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, d := range conns {
		_ = d.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timed out waiting for %d connections to finish", len(conns))
	}
}
