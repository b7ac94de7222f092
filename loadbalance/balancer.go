// Package loadbalance picks which registered endpoint a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity endpoints
//   - WeightedRandom:  endpoints of different capacity
//   - ConsistentHash:  stateful endpoints; the same key (e.g. a workspace
//     root) keeps landing on the same endpoint while the set is stable
package loadbalance

import (
	"fmt"

	"mini-jsonrpc/registry"
)

// Balancer selects one endpoint. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one of endpoints. key is the affinity key of the
	// connection; strategies without affinity ignore it.
	Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error)

	// Name returns the strategy name for logs and flags.
	Name() string
}

// New returns the balancer with the given name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
