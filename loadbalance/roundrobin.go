package loadbalance

import (
	"sync/atomic"

	"mini-jsonrpc/registry"
)

// RoundRobinBalancer cycles through endpoints in order using an atomic
// counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint, _ string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, registry.ErrNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}
