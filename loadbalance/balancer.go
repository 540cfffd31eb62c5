// Package loadbalance picks the server instance a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers with different capacity
//   - ConsistentHash:  affinity of a key (e.g. a function definition) to one server
package loadbalance

import "function-rpc/registry"

// Balancer selects one instance per call. Implementations are goroutine-safe.
// The key is the call's affinity key; strategies that don't need it ignore it.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name, defaulting to round robin.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
