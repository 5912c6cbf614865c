package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored; entries live
// until Deregister. Useful for a companion and its clients sharing a process,
// and in tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	targets  map[string]map[string]Instance // udid → addr → instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		targets:  make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, udid string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets[udid] == nil {
		r.targets[udid] = make(map[string]Instance)
	}
	r.targets[udid][instance.Addr] = instance
	r.notifyLocked(udid)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, udid string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets[udid], addr)
	r.notifyLocked(udid)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, udid string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(udid), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, udid string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[udid] = append(r.watchers[udid], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[udid]
		for i, w := range ws {
			if w == ch {
				r.watchers[udid] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	return nil
}

// snapshotLocked returns instances sorted by address so Discover is stable.
func (r *MemoryRegistry) snapshotLocked(udid string) []Instance {
	instances := make([]Instance, 0, len(r.targets[udid]))
	for _, inst := range r.targets[udid] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notifyLocked replaces any unread update with the latest snapshot.
func (r *MemoryRegistry) notifyLocked(udid string) {
	for _, w := range r.watchers[udid] {
		snapshot := r.snapshotLocked(udid)
		select {
		case <-w:
		default:
		}
		w <- snapshot
	}
}
