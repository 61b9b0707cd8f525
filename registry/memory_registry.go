package registry

import "sync"

// MemoryRegistry keeps instances in process. It serves static daemon lists
// and tests; the ttl argument is ignored.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{instances: make(map[string][]ServiceInstance)}
}

func (m *MemoryRegistry) Register(serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			return nil
		}
	}
	m.instances[serviceName] = append(insts, inst)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServiceInstance(nil), m.instances[serviceName]...), nil
}
