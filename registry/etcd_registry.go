// Keys used in etcd:
//
//	Key:   /companion/{udid}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a companion crashes, the lease
// expires and the entry disappears, so clients never dial a dead companion
// for long.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/companion/"

func targetPrefix(udid string) string {
	return keyPrefix + udid + "/"
}

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → stops its lease renewal
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:     c,
		logger:     logger,
		keepAlives: make(map[string]context.CancelFunc),
	}, nil
}

// Register stores instance under udid with a TTL lease and keeps the lease
// alive in the background until Deregister or Close.
//
// The lease ID stays local to this call so one EtcdRegistry can register
// many instances concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, udid string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := targetPrefix(udid) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive ctx, which usually only covers the registration itself.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.keepAlives[key]; ok {
		prev()
	}
	r.keepAlives[key] = cancel
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, udid string, addr string) error {
	key := targetPrefix(udid) + addr
	r.mu.Lock()
	if cancel, ok := r.keepAlives[key]; ok {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch uses etcd's server-push Watch API and re-reads the full list on
// every event, which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, udid string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, targetPrefix(udid), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, udid)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.String("udid", udid), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all registered instances for udid.
func (r *EtcdRegistry) Discover(ctx context.Context, udid string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, targetPrefix(udid), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops all lease renewals and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
