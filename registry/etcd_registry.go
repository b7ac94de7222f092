package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// keyPrefix namespaces every entry:
//
//	Key:   /mini-jsonrpc/{service}/{addr}
//	Value: JSON-encoded Endpoint
//
// Entries are attached to a TTL lease kept alive by the registering process.
// If it crashes, the lease expires and the entry disappears with it.
const keyPrefix = "/mini-jsonrpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, for Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func serviceKey(service, addr string) string {
	return keyPrefix + service + "/" + addr
}

// Register grants a lease of ttl seconds, stores ep under it and keeps the
// lease alive in the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	key := serviceKey(service, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive ctx, which is usually scoped to startup.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keep alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.logger.Info("registered endpoint", zap.String("service", service), zap.String("addr", ep.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the entry and revokes its lease, which also stops the
// keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := serviceKey(service, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover lists every endpoint currently registered under service.
// Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the full endpoint list on every change under the service
// prefix. It uses etcd's server-push watch rather than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, keyPrefix+service+"/", clientv3.WithPrefix()) {
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close closes the etcd client. Leases still held expire after their TTL.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
