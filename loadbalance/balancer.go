// Package loadbalance picks which companion a client connects to when the
// registry lists more than one for a target.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity companions
//   - WeightedRandom:  companions on hosts of different capacity
//   - ConsistentHash:  the same udid always lands on the same companion
package loadbalance

import "companion-rpc/registry"

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyedBalancer picks by key instead of by turn.
type KeyedBalancer interface {
	PickKey(key string, instances []registry.Instance) (*registry.Instance, error)
	Name() string
}

// ForKey adapts a KeyedBalancer into a Balancer that always uses key.
func ForKey(b KeyedBalancer, key string) Balancer {
	return keyed{b: b, key: key}
}

type keyed struct {
	b   KeyedBalancer
	key string
}

func (k keyed) Pick(instances []registry.Instance) (*registry.Instance, error) {
	return k.b.PickKey(k.key, instances)
}

func (k keyed) Name() string {
	return k.b.Name()
}

// ByName returns the balancer for a config name.
func ByName(name string) (Balancer, bool) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, true
	case "weighted_random":
		return &WeightedRandomBalancer{}, true
	}
	return nil, false
}
