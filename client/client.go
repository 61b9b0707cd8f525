// Package client is the top-level deluge RPC client: it connects, logs in,
// discovers the daemon's methods and exposes them as a namespace tree.
//
//	c, _ := client.New(cfg)
//	c.Connect(ctx)
//	core, _ := c.Namespace("core")
//	version, _ := core.Call(ctx, "get_version")
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"deluge-rpc/config"
	"deluge-rpc/loadbalance"
	"deluge-rpc/middleware"
	"deluge-rpc/namespace"
	"deluge-rpc/registry"
	"deluge-rpc/rpc"
	"deluge-rpc/transport"

	"go.uber.org/zap"
)

// Discoverer lists the daemons registered under a service name.
// registry.Registry implementations satisfy it.
type Discoverer interface {
	Discover(serviceName string) ([]registry.ServiceInstance, error)
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMiddleware adds middlewares around every call, inside the ones the
// config asks for. The first one given is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.extra = append(c.extra, mws...) }
}

// WithRegistry makes the client discover its daemon through reg on every
// connect, picking an instance with bal. It overrides the config's registry
// block.
func WithRegistry(reg Discoverer, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.balancer = bal
	}
}

// WithTLSConfig replaces the default TLS config, which skips certificate
// verification because daemons use self-signed certificates.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tlsConfig }
}

type Client struct {
	cfg       config.Config
	logger    *zap.Logger
	extra     []middleware.Middleware
	registry  Discoverer
	balancer  loadbalance.Balancer
	tlsConfig *tls.Config

	conn    *rpc.Connection
	invoker middleware.Invoker

	mu        sync.RWMutex
	authLevel int
	methods   []string
	tree      *namespace.Tree // nil until Connect succeeds and after Close
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if c.registry == nil && cfg.Registry.Enabled() {
		c.registry = &etcdDiscovery{endpoints: cfg.Registry.Endpoints}
	}
	if c.registry != nil && c.balancer == nil {
		bal, err := loadbalance.New(cfg.Registry.Balancer)
		if err != nil {
			return nil, err
		}
		c.balancer = bal
	}

	connOpts := rpc.Options{
		Host:          cfg.Host,
		Port:          cfg.Port,
		CallTimeout:   cfg.CallTimeout,
		PollInterval:  cfg.PollInterval,
		ClientVersion: cfg.ClientVersion,
		Transport:     transport.Options{TLSConfig: c.tlsConfig},
		Logger:        c.logger,
	}
	if c.registry != nil {
		connOpts.Resolver = c.resolve
	}
	c.conn = rpc.NewConnection(connOpts)
	c.invoker = c.chain()(c.conn.Call)
	return c, nil
}

// chain builds the call path: logging, overall deadline, retries, rate
// limiting, then the caller's own middlewares.
func (c *Client) chain() middleware.Middleware {
	mws := []middleware.Middleware{middleware.Logging(c.logger.Named("call"))}
	if c.cfg.Deadline > 0 {
		mws = append(mws, middleware.Deadline(c.cfg.Deadline))
	}
	if c.cfg.Retries > 0 {
		mws = append(mws, middleware.Retry(c.cfg.Retries, c.cfg.CallTimeout/10, c.logger))
	}
	if c.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(c.cfg.RateLimit, c.cfg.RateBurst))
	}
	mws = append(mws, c.extra...)
	return middleware.Chain(mws...)
}

// resolve asks the registry for the daemons of the configured service and
// lets the balancer pick one, keyed by username so consistent hashing keeps
// a user on one daemon.
func (c *Client) resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	instances, err := c.registry.Discover(c.cfg.Registry.Service)
	if err != nil {
		return "", err
	}
	inst, err := c.balancer.Pick(c.cfg.Username, instances)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.cfg.Registry.Service, err)
	}
	c.logger.Debug("picked daemon", zap.String("addr", inst.Addr), zap.String("balancer", c.balancer.Name()))
	return inst.Addr, nil
}

// Connect starts the connection, logs in and builds the namespace tree from
// the daemon's method list. If login or discovery fails the connection is
// closed again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Start(ctx); err != nil {
		return err
	}

	level, err := c.invoker(ctx, rpc.MethodLogin, []any{c.cfg.Username, c.cfg.Password}, nil)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("client: login as %q: %w", c.cfg.Username, err)
	}
	authLevel, ok := level.(int64)
	if !ok {
		c.conn.Close()
		return fmt.Errorf("client: login returned %T, want an integer auth level", level)
	}

	// The daemon refuses event interest before login, so whatever Start
	// could not announce goes out now.
	if err := c.conn.Resubscribe(ctx); err != nil {
		c.logger.Warn("failed to register event interest", zap.Error(err))
	}

	list, err := c.invoker(ctx, rpc.MethodGetMethodList, nil, nil)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("client: get method list: %w", err)
	}
	names := methodNames(list)

	tree, err := namespace.Build(c.invoker, names)
	if err != nil {
		// Names the tree cannot hold stay unreachable; the rest is usable.
		c.logger.Warn("skipped method names", zap.Error(err))
	}

	c.mu.Lock()
	c.authLevel = int(authLevel)
	c.methods = tree.Methods()
	c.tree = tree
	c.mu.Unlock()

	c.logger.Info("logged in",
		zap.String("username", c.cfg.Username),
		zap.Int("auth_level", int(authLevel)),
		zap.Int("methods", len(names)))
	return nil
}

func methodNames(v any) []string {
	items, _ := v.([]any)
	names := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

// Close closes the connection and forgets the auth level, the method list and
// the namespace tree. Nodes obtained earlier still route to the closed
// connection and fail with a not-connected error.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.mu.Lock()
	c.authLevel = 0
	c.methods = nil
	c.tree = nil
	c.mu.Unlock()
	return err
}

// AuthLevel is the permission tier login returned, 0 when not connected.
func (c *Client) AuthLevel() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authLevel
}

// Methods returns the discovered method names in the daemon's order.
func (c *Client) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.methods...)
}

// Namespaces returns the top-level namespace names.
func (c *Client) Namespaces() []string {
	tree := c.currentTree()
	if tree == nil {
		return nil
	}
	return tree.Roots()
}

// Namespace returns a top-level namespace such as "core", or a nested one
// such as "core.torrent".
func (c *Client) Namespace(name string) (*namespace.Node, error) {
	tree := c.currentTree()
	if tree == nil {
		return nil, rpc.ErrNotConnected
	}
	return tree.Namespace(name)
}

// Call invokes a discovered method by its full dotted name. A trailing
// namespace.Kwargs argument is sent as keyword arguments.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	tree := c.currentTree()
	if tree == nil {
		return nil, rpc.ErrNotConnected
	}
	return tree.Call(ctx, method, args...)
}

func (c *Client) currentTree() *namespace.Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree
}

// Subscribe registers handler for the daemon event with exactly this name.
// It may be called before Connect; interest is announced once connected.
func (c *Client) Subscribe(ctx context.Context, event string, handler rpc.EventHandler) error {
	return c.conn.Subscribe(ctx, event, handler)
}

// SubscribeEvent is Subscribe with the short event form accepted too:
// "torrent_added" subscribes to TorrentAddedEvent.
func (c *Client) SubscribeEvent(ctx context.Context, event string, handler rpc.EventHandler) error {
	return c.Subscribe(ctx, EventName(event), handler)
}

// EventName converts a snake_case event shorthand to the daemon's CamelCase
// event name. Names already ending in "Event" are returned as is.
func EventName(name string) string {
	if strings.HasSuffix(name, "Event") {
		return name
	}
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(part[size:])
	}
	b.WriteString("Event")
	return b.String()
}

// Fatal delivers the error that ended the connection unexpectedly.
func (c *Client) Fatal() <-chan error { return c.conn.Fatal() }

func (c *Client) State() rpc.State { return c.conn.State() }

// Connection exposes the underlying connection.
func (c *Client) Connection() *rpc.Connection { return c.conn }
