package loadbalance

import (
	"math/rand/v2"

	"mini-jsonrpc/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to
// its weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint, _ string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, registry.ErrNoEndpoints
	}

	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	r := rand.IntN(total)
	for _, ep := range endpoints {
		r -= weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted-random"
}

func weight(ep registry.Endpoint) int {
	return max(ep.Weight, 1)
}
