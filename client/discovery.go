package client

import "deluge-rpc/registry"

// etcdDiscovery opens a short-lived etcd client per lookup; lookups only
// happen on connect.
type etcdDiscovery struct {
	endpoints []string
}

func (d *etcdDiscovery) Discover(service string) ([]registry.ServiceInstance, error) {
	reg, err := registry.NewEtcdRegistry(d.endpoints)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return reg.Discover(service)
}
