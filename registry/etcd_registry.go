package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix roots every daemon entry:
//
//	/deluge-rpc/{service}/{addr} → JSON ServiceInstance
//
// Entries hang off a TTL lease. When the process that announced a daemon
// stops renewing, etcd drops the entry and clients stop picking it.
const KeyPrefix = "/deluge-rpc/"

const requestTimeout = 5 * time.Second

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	// lifetime of the keep-alive streams started by Register
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: requestTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{client: c, ctx: ctx, cancel: cancel}, nil
}

func key(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

// Register announces instance under serviceName for ttl seconds and renews
// the lease until Close. The lease id stays local so one registry can
// announce several daemons.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}
	// drain renewals, or the client logs that the channel is full
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	_, err := r.client.Delete(ctx, key(serviceName, addr))
	return err
}

// Discover lists the instances currently registered for serviceName.
// Entries that do not decode are skipped.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and releases the etcd client. Entries it
// registered expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
