// Package registry is the discovery contract between JSON-RPC endpoints:
// servers advertise where they listen, clients look them up.
package registry

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when a service has no registered endpoints.
var ErrNoEndpoints = errors.New("registry: no endpoints registered")

// Endpoint is one listening JSON-RPC endpoint of a service.
type Endpoint struct {
	Addr    string   `json:"addr"`
	Weight  int      `json:"weight"` // for weighted load balancing
	Version string   `json:"version"`
	Methods []string `json:"methods,omitempty"`
}

type Registry interface {
	// Register advertises ep under service. With a ttl > 0 the entry expires
	// unless the registry keeps it alive.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service after every change
	// until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
	Close() error
}
