package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"deluge-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the instance set
// changes, and a change only moves the keys of the affected instance.
//
// Each real instance is placed on the ring as replicas virtual nodes so a
// handful of daemons still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string            // addresses the ring was built from
	ring      []uint32          // Sorted hash values on the ring
	nodes     map[uint32]string // Hash value → instance addr
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild places every instance on the ring. Only called when the instance
// set differs from the last Pick.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance, signature string) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst.Addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.signature = signature
}

// Pick hashes key, then binary-searches for the first node >= hash on the
// ring, wrapping around to the first node.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")

	b.mu.Lock()
	if signature != b.signature {
		b.rebuild(instances, signature)
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, ErrNoInstances
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
