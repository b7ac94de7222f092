// Package client dials JSON-RPC endpoints, either directly by address or by
// service name through a registry and a load balancer, and returns a running
// dispatcher for the connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// Conn is a live connection. The embedded Dispatcher is already running its
// read loop; register handlers for server-initiated calls with WithSetup so
// they are in place before the first frame arrives.
type Conn struct {
	*dispatch.Dispatcher
	Endpoint registry.Endpoint

	done chan struct{}
	err  error // set before done is closed
}

// Close closes the connection, fails pending calls with
// message.ErrConnectionClosed and waits for the read loop to finish.
func (c *Conn) Close() error {
	err := c.Dispatcher.Close()
	if werr := c.Wait(); werr != nil {
		return werr
	}
	return err
}

// Wait blocks until the read loop finishes and returns its error.
func (c *Conn) Wait() error {
	<-c.done
	return c.err
}

type options struct {
	logger       *zap.Logger
	setups       []func(*dispatch.Dispatcher)
	dispatchOpts []dispatch.Option
	dialTimeout  time.Duration
	retries      int
	baseDelay    time.Duration
}

// Option configures dialing.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSetup runs setup on the dispatcher before its read loop starts.
func WithSetup(setup func(*dispatch.Dispatcher)) Option {
	return func(o *options) { o.setups = append(o.setups, setup) }
}

// WithDispatchOptions passes options through to dispatch.New.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *options) { o.dispatchOpts = append(o.dispatchOpts, opts...) }
}

// WithRetry retries a failed dial up to n more times, sleeping baseDelay,
// 2*baseDelay, 4*baseDelay... between attempts. Each attempt re-runs
// discovery, so an endpoint that went away is not picked again.
func WithRetry(n int, baseDelay time.Duration) Option {
	return func(o *options) { o.retries, o.baseDelay = n, baseDelay }
}

// WithDialTimeout bounds each TCP dial. Default 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Client dials services found in a registry.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	opts     []Option
}

// NewClient creates a client. opts apply to every Dial.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	return &Client{registry: reg, balancer: bal, opts: opts}
}

// Dial discovers the endpoints of service, picks one with the balancer using
// key as the affinity key, and connects to it.
func (c *Client) Dial(ctx context.Context, service, key string, opts ...Option) (*Conn, error) {
	o := buildOptions(append(append([]Option{}, c.opts...), opts...))

	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			delay := o.baseDelay * time.Duration(1<<(attempt-1))
			o.logger.Info("retrying dial", zap.String("service", service), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		endpoints, err := c.registry.Discover(ctx, service)
		if err != nil {
			lastErr = err
			continue
		}
		ep, err := c.balancer.Pick(endpoints, key)
		if err != nil {
			lastErr = fmt.Errorf("client: pick %s: %w", service, err)
			continue
		}
		conn, err := dial(ctx, ep, o)
		if err != nil {
			lastErr = err
			continue
		}
		o.logger.Debug("dialed endpoint", zap.String("service", service), zap.String("addr", ep.Addr), zap.String("balancer", c.balancer.Name()))
		return conn, nil
	}
	return nil, lastErr
}

// Dial connects directly to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	return dial(ctx, registry.Endpoint{Addr: addr}, o)
}

func dial(ctx context.Context, ep registry.Endpoint, o *options) (*Conn, error) {
	dialer := net.Dialer{Timeout: o.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", ep.Addr, err)
	}

	logger := o.logger.With(zap.String("remote", ep.Addr))
	d := dispatch.New(transport.NewConn(nc), append([]dispatch.Option{dispatch.WithLogger(logger)}, o.dispatchOpts...)...)
	for _, setup := range o.setups {
		setup(d)
	}

	conn := &Conn{Dispatcher: d, Endpoint: ep, done: make(chan struct{})}
	go func() {
		defer close(conn.done)
		conn.err = d.Run(context.Background())
		if conn.err != nil && !errors.Is(conn.err, context.Canceled) {
			logger.Warn("connection ended with error", zap.Error(conn.err))
		}
	}()
	return conn, nil
}
