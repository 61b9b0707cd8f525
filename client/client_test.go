package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deluge-rpc/config"
	"deluge-rpc/daemontest"
	"deluge-rpc/loadbalance"
	"deluge-rpc/middleware"
	"deluge-rpc/namespace"
	"deluge-rpc/registry"
	"deluge-rpc/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func startDaemon(t *testing.T) *daemontest.Server {
	t.Helper()
	d := daemontest.NewServer(nil)
	d.AddUser("localclient", "secret", 10)
	d.Handle("core.get_version", func(context.Context, []any, map[string]any) (any, error) {
		return "2.1.1", nil
	})
	d.Handle("core.torrent.add", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return []any{"added", args, kwargs}, nil
	})
	d.Handle("core.torrent.remove", func(context.Context, []any, map[string]any) (any, error) {
		return true, nil
	})
	_, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(time.Second) })
	return d
}

func testConfig(d *daemontest.Server) config.Config {
	cfg := config.Default()
	cfg.Host, cfg.Port = d.HostPort()
	cfg.Username, cfg.Password = "localclient", "secret"
	cfg.CallTimeout = time.Second
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func connect(t *testing.T, cfg config.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectBuildsNamespaces(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))

	assert.Equal(t, 10, c.AuthLevel())
	assert.Contains(t, c.Methods(), "core.torrent.add")
	assert.Contains(t, c.Methods(), "daemon.login")
	assert.Equal(t, []string{"core", "daemon"}, c.Namespaces())

	core, err := c.Namespace("core")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_version"}, core.Methods())
	assert.Equal(t, []string{"torrent"}, core.Namespaces())

	version, err := core.Call(context.Background(), "get_version")
	require.NoError(t, err)
	assert.Equal(t, "2.1.1", version)

	torrent, err := c.Namespace("core.torrent")
	require.NoError(t, err)
	res, err := torrent.Call(context.Background(), "add", "magnet:?xt=abc", namespace.Kwargs{"paused": true})
	require.NoError(t, err)
	assert.Equal(t, []any{"added", []any{"magnet:?xt=abc"}, map[string]any{"paused": true}}, res)
	assert.Equal(t, 1, d.Calls("core.torrent.add"))
}

func TestCallByFullName(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))

	ok, err := c.Call(context.Background(), "core.torrent.remove", "hash")
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	_, err = c.Call(context.Background(), "core.torrent.pause")
	assert.ErrorIs(t, err, namespace.ErrUnknownMethod)

	_, err = c.Namespace("web")
	assert.ErrorIs(t, err, namespace.ErrUnknownNamespace)
}

func TestBadLogin(t *testing.T) {
	d := startDaemon(t)
	cfg := testConfig(d)
	cfg.Password = "wrong"

	c, err := New(cfg)
	require.NoError(t, err)
	err = c.Connect(context.Background())

	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "BadLoginError", rpcErr.ExceptionType)
	assert.NotEqual(t, rpc.StateConnected, c.State())
	assert.Empty(t, c.Namespaces())
}

func TestCloseRevokesNamespaces(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))
	core, err := c.Namespace("core")
	require.NoError(t, err)

	require.NoError(t, c.Close())

	assert.Zero(t, c.AuthLevel())
	assert.Empty(t, c.Methods())
	assert.Empty(t, c.Namespaces())
	_, err = c.Namespace("core")
	assert.ErrorIs(t, err, rpc.ErrNotConnected)
	_, err = c.Call(context.Background(), "core.get_version")
	assert.ErrorIs(t, err, rpc.ErrNotConnected)

	// a node kept from before the close no longer reaches the daemon
	_, err = core.Call(context.Background(), "get_version")
	assert.ErrorIs(t, err, rpc.ErrNotConnected)
}

func TestReconnectAfterClose(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))
	require.NoError(t, c.Close())

	require.NoError(t, c.Connect(context.Background()))
	v, err := c.Call(context.Background(), "core.get_version")
	require.NoError(t, err)
	assert.Equal(t, "2.1.1", v)
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "TorrentAddedEvent", EventName("torrent_added"))
	assert.Equal(t, "TorrentAddedEvent", EventName("TorrentAddedEvent"))
	assert.Equal(t, "SessionPausedEvent", EventName("session_paused"))
	assert.Equal(t, "ConfigValueChangedEvent", EventName("config_value_changed"))
}

func TestSubscribeBeforeConnect(t *testing.T) {
	d := startDaemon(t)
	c, err := New(testConfig(d))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var mu sync.Mutex
	var got [][]any
	handler := func(args []any) {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
	}
	require.NoError(t, c.SubscribeEvent(context.Background(), "torrent_added", handler))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.InterestCalls("TorrentAddedEvent"))

	assert.Equal(t, 1, d.Emit("TorrentAddedEvent", "abc", false))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []any{"abc", false}, got[0])
	mu.Unlock()
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))
	ctx := context.Background()

	got := make(chan []any, 2)
	require.NoError(t, c.SubscribeEvent(ctx, "torrent_removed", func(args []any) { got <- args }))
	assert.Equal(t, 1, d.InterestCalls("TorrentRemovedEvent"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 2, d.InterestCalls("TorrentRemovedEvent"))

	assert.Equal(t, 1, d.Emit("TorrentRemovedEvent", "abc"))
	select {
	case args := <-got:
		assert.Equal(t, []any{"abc"}, args)
	case <-time.After(time.Second):
		t.Fatal("event not delivered after reconnect")
	}
}

func TestFatalSurfacesToOwner(t *testing.T) {
	d := startDaemon(t)
	c := connect(t, testConfig(d))

	d.DropConnections()
	select {
	case err := <-c.Fatal():
		assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error after the daemon dropped the connection")
	}
	_, err := c.Call(context.Background(), "core.get_version")
	assert.Error(t, err)
}

func TestMiddlewareSeesEveryCall(t *testing.T) {
	d := startDaemon(t)

	var mu sync.Mutex
	var seen []string
	record := func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			mu.Lock()
			seen = append(seen, method)
			mu.Unlock()
			return next(ctx, method, args, kwargs)
		}
	}
	c := connect(t, testConfig(d), WithMiddleware(record))
	_, err := c.Call(context.Background(), "core.get_version")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{rpc.MethodLogin, rpc.MethodGetMethodList, "core.get_version"}, seen)
}

func TestLoggingMiddlewareFromConfig(t *testing.T) {
	d := startDaemon(t)
	d.Handle("core.broken", func(context.Context, []any, map[string]any) (any, error) {
		return nil, &daemontest.Error{ExceptionType: "RuntimeError", Message: "boom"}
	})
	core, logs := observer.New(zap.DebugLevel)
	c := connect(t, testConfig(d), WithLogger(zap.New(core)))

	_, err := c.Call(context.Background(), "core.broken")
	require.Error(t, err)
	failed := logs.FilterMessage("call failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "core.broken", failed[0].ContextMap()["method"])
}

func TestRetryFromConfig(t *testing.T) {
	d := startDaemon(t)
	var mu sync.Mutex
	attempts := 0
	d.Handle("core.slow_once", func(context.Context, []any, map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, daemontest.ErrNoReply
		}
		return "ok", nil
	})
	cfg := testConfig(d)
	cfg.CallTimeout = 100 * time.Millisecond
	cfg.Retries = 2
	c := connect(t, cfg)

	v, err := c.Call(context.Background(), "core.slow_once")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRegistryDiscovery(t *testing.T) {
	d := startDaemon(t)
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register("deluged", registry.ServiceInstance{Addr: d.Addr(), Weight: 1}, 0))

	cfg := testConfig(d)
	cfg.Host, cfg.Port = "unreachable.invalid", 1
	c := connect(t, cfg, WithRegistry(reg, loadbalance.NewConsistentHashBalancer()))

	v, err := c.Call(context.Background(), "core.get_version")
	require.NoError(t, err)
	assert.Equal(t, "2.1.1", v)
}

func TestRegistryWithoutInstances(t *testing.T) {
	cfg := config.Default()
	c, err := New(cfg, WithRegistry(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.True(t, errors.Is(err, loadbalance.ErrNoInstances), "got %v", err)
	assert.Equal(t, rpc.StateIdle, c.State())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.CallTimeout = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
