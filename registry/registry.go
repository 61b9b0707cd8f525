// Package registry locates deluge daemons.
//
// Daemons (or whatever provisions them) register an instance under a service
// name; clients discover the instances and pick one with a load balancer.
package registry

// ServiceInstance describes one reachable daemon.
type ServiceInstance struct {
	Addr    string // host:port of the daemon's RPC port
	Weight  int    // Weight for load balancing
	Version string // daemon version, informational
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
}
