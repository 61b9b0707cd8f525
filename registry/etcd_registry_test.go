package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newLocalEtcd connects to an etcd on localhost:2379, skipping the test when
// none is running.
func newLocalEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newLocalEtcd(t)

	inst1 := ServiceInstance{Addr: "127.0.0.1:58846", Weight: 10, Version: "2.1.1"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:58847", Weight: 5, Version: "2.1.1"}

	require.NoError(t, reg.Register("deluged-test", inst1, 10))
	require.NoError(t, reg.Register("deluged-test", inst2, 10))

	instances, err := reg.Discover("deluged-test")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	require.NoError(t, reg.Deregister("deluged-test", inst1.Addr))

	instances, err = reg.Discover("deluged-test")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst2.Addr, instances[0].Addr)

	reg.Deregister("deluged-test", inst2.Addr)
}
