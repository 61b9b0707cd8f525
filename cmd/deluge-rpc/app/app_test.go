package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"deluge-rpc/daemontest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startDaemon(t *testing.T) *daemontest.Server {
	t.Helper()
	d := daemontest.NewServer(nil)
	d.AddUser("localclient", "secret", 10)
	d.Handle("core.get_torrent_status", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"id": args[0], "fields": args[1], "diff": kwargs["diff"]}, nil
	})
	_, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(time.Second) })
	return d
}

func run(t *testing.T, ctx context.Context, d *daemontest.Server, args ...string) (string, error) {
	t.Helper()
	host, port := d.HostPort()
	out := &syncBuffer{}
	a := Instance()
	a.Writer = out
	a.ErrWriter = &syncBuffer{}
	base := []string{"deluge-rpc", "--host", host, "--port", strconv.Itoa(port), "--username", "localclient", "--password", "secret", "--log-level", "error"}
	err := a.RunContext(ctx, append(base, args...))
	return out.String(), err
}

func TestMethodsCommand(t *testing.T) {
	d := startDaemon(t)
	out, err := run(t, context.Background(), d, "methods")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, lines, "core.get_torrent_status")
	assert.Contains(t, lines, "daemon.login")
}

func TestCallCommand(t *testing.T) {
	d := startDaemon(t)
	out, err := run(t, context.Background(), d, "call", "--kw", "diff=true", "core.get_torrent_status", "abc", `["name","progress"]`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","fields":["name","progress"],"diff":true}`, out)
}

func TestCallCommandErrors(t *testing.T) {
	d := startDaemon(t)
	_, err := run(t, context.Background(), d, "call", "core.missing")
	assert.ErrorContains(t, err, "unknown method")

	_, err = run(t, context.Background(), d, "call", "--kw", "novalue", "core.get_torrent_status")
	assert.ErrorContains(t, err, "not key=JSON")
}

func TestAuthFileCredentials(t *testing.T) {
	d := startDaemon(t)
	host, port := d.HostPort()
	authFile := filepath.Join(t.TempDir(), "auth")
	require.NoError(t, os.WriteFile(authFile, []byte("localclient:secret:10\n"), 0o600))

	out := &syncBuffer{}
	a := Instance()
	a.Writer = out
	a.ErrWriter = &syncBuffer{}
	err := a.RunContext(context.Background(), []string{"deluge-rpc", "--host", host, "--port", strconv.Itoa(port), "--auth-file", authFile, "methods"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "daemon.info")
}

func TestWatchCommand(t *testing.T) {
	d := startDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(t, ctx, d, "watch", "torrent_finished")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return d.InterestCalls("TorrentFinishedEvent") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, d.Emit("TorrentFinishedEvent", "abc"))
	time.Sleep(100 * time.Millisecond)
	cancel()

	r := <-done
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"event":"TorrentFinishedEvent","args":["abc"]}`, r.out)
}

func TestBadLogLevel(t *testing.T) {
	d := startDaemon(t)
	_, err := run(t, context.Background(), d, "--log-level", "loud", "methods")
	assert.Error(t, err)
}
