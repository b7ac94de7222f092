package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Endpoint)
	}
	r.services[service][ep.Addr] = ep
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[service] = slices.DeleteFunc(r.watchers[service], func(c chan []Endpoint) bool { return c == ch })
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }

// listLocked returns the endpoints of service sorted by address.
func (r *MemoryRegistry) listLocked(service string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		endpoints = append(endpoints, ep)
	}
	slices.SortFunc(endpoints, func(a, b Endpoint) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	return endpoints
}

// notifyLocked delivers the latest list to every watcher, replacing a stale
// undelivered list rather than blocking.
func (r *MemoryRegistry) notifyLocked(service string) {
	endpoints := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- endpoints
	}
}
