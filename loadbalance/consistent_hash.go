package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mini-jsonrpc/registry"
)

// ConsistentHashBalancer maps affinity keys to endpoints on a hash ring.
// Each endpoint owns replicas virtual nodes so a handful of endpoints still
// spread evenly; removing one endpoint only moves the keys it owned.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
//
// The ring is rebuilt only when the endpoint set changes.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint32
	nodes     map[uint32]registry.Endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, registry.ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildLocked(endpoints)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}

func (b *ConsistentHashBalancer) rebuildLocked(endpoints []registry.Endpoint) {
	addrs := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		addrs = append(addrs, ep.Addr)
	}
	slices.Sort(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.signature && b.nodes != nil {
		return
	}

	b.signature = signature
	b.ring = make([]uint32, 0, len(endpoints)*b.replicas)
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	slices.Sort(b.ring)
}
