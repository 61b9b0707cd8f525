// Package loadbalance picks which daemon a client connects to when several
// are registered under one service name.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity daemons
//   - WeightedRandom:  heterogeneous daemons (different disks/bandwidth)
//   - ConsistentHash:  sticky placement, the same user lands on the same daemon
package loadbalance

import (
	"errors"
	"fmt"

	"deluge-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() each time it (re)connects.
type Balancer interface {
	// Pick selects one instance from the available list. key is the
	// affinity key; strategies that do not need it ignore it.
	// Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer registered under name. The empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
