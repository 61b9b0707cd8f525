// Package rpc implements a connection to the deluge daemon's RPC port.
//
// Many goroutines may call concurrently over one connection. Each call gets a
// unique request id and waits on its own PendingCall; a background receive
// loop reads frames and routes every packet to its caller or to the event
// handlers:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ Transport ──→ daemon
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ←── [1, 2, value] → calls.Resolve(2) → goroutine-2 wakes up
//	          ←── [3, "TorrentAddedEvent", args] → events.Dispatch
package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"deluge-rpc/codec"
	"deluge-rpc/message"
	"deluge-rpc/transport"

	"go.uber.org/zap"
)

// Daemon methods the connection itself relies on.
const (
	MethodLogin         = "daemon.login"
	MethodGetMethodList = "daemon.get_method_list"
	MethodEventInterest = "daemon.set_event_interest"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 58846
	DefaultCallTimeout   = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultClientVersion = "2.1.1"
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Resolver picks the daemon address each time the connection starts.
type Resolver func(ctx context.Context) (string, error)

// StaticAddress always resolves to addr.
func StaticAddress(addr string) Resolver {
	return func(context.Context) (string, error) { return addr, nil }
}

// Options configure a Connection. Zero values fall back to the defaults.
type Options struct {
	Host          string
	Port          int
	Resolver      Resolver // overrides Host and Port
	CallTimeout   time.Duration
	PollInterval  time.Duration
	ClientVersion string // sent as the client_version keyword on login
	Transport     transport.Options
	Codec         codec.Codec
	Logger        *zap.Logger
}

// Connection is a client connection to one daemon.
type Connection struct {
	opts   Options
	codec  codec.Codec
	logger *zap.Logger

	calls  *CallRegistry
	events *EventRegistry

	state     atomic.Int32
	lifecycle sync.Mutex // serializes Start and Close
	mu        sync.Mutex // guards tr and done
	tr        *transport.Transport
	done      chan struct{} // closed when the receive loop has torn down

	fatal chan error
}

func NewConnection(opts Options) *Connection {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Resolver == nil {
		opts.Resolver = StaticAddress(net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	if opts.Codec == nil {
		opts.Codec = &codec.RencodeCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Connection{
		opts:   opts,
		codec:  opts.Codec,
		logger: opts.Logger,
		calls:  NewCallRegistry(opts.Logger),
		events: NewEventRegistry(opts.Logger),
		fatal:  make(chan error, 1),
	}
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Events exposes the event registry, mostly for Wait in tests.
func (c *Connection) Events() *EventRegistry { return c.events }

// Fatal delivers the error that ended the connection when the receive loop
// hit a transport failure. Deliberate closes send nothing.
func (c *Connection) Fatal() <-chan error { return c.fatal }

// Start dials the daemon and starts the receive loop. Event subscriptions
// made earlier (including before a previous close) are announced again.
// A failed dial leaves the connection idle and returns the error.
//
// Daemons refuse event interest before login; names refused here stay
// unannounced until Resubscribe.
func (c *Connection) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) &&
		!c.state.CompareAndSwap(int32(StateClosed), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	addr, err := c.opts.Resolver(ctx)
	if err != nil {
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("rpc: resolve daemon address: %w", err)
	}

	tr, err := transport.Dial(ctx, addr, c.opts.Transport)
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	// Drop a stale fatal error from a previous connection.
	select {
	case <-c.fatal:
	default:
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.tr = tr
	c.done = done
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))
	c.logger.Info("connected to daemon", zap.String("addr", addr))

	go c.recvLoop(tr, done)

	if names := c.events.ResubscribeAll(); len(names) > 0 {
		c.announce(ctx, names...)
	}
	return nil
}

// Call sends method with positional and keyword arguments and waits for the
// result. The timeout starts once the frame has been handed to the transport.
// The returned error is an *RPCError, an *InvokeTimeoutError, a
// *ConnectionClosedError, ErrNotConnected, or ctx.Err().
func (c *Connection) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	tr := c.transport()
	if tr == nil {
		return nil, ErrNotConnected
	}

	if method == MethodLogin {
		kwargs = maps.Clone(kwargs)
		if kwargs == nil {
			kwargs = make(map[string]any, 1)
		}
		kwargs["client_version"] = c.opts.ClientVersion
	}

	id := c.calls.NextID()
	req := &message.Request{ID: id, Method: method, Args: args, Kwargs: kwargs}
	payload, err := c.codec.Encode(req.Value())
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s: %w", method, err)
	}

	pc := c.calls.Register(id, method)
	// The receive loop sets the state before draining, so a call registered
	// after that point is caught here instead of waiting for its timeout.
	if c.State() != StateConnected {
		c.calls.Forget(id)
		return nil, ErrNotConnected
	}

	if err := tr.WriteFrame(payload); err != nil {
		c.calls.Forget(id)
		return nil, &ConnectionClosedError{Cause: err}
	}
	c.logger.Debug("call sent", zap.Int64("id", id), zap.String("method", method), zap.Int("payload_bytes", len(payload)))

	return c.calls.Await(ctx, pc, c.opts.CallTimeout)
}

// Subscribe adds handler for the named event. The first handler for a name
// announces interest to the daemon; later handlers share that announcement.
// Before Start the handler is only recorded and announced on start.
func (c *Connection) Subscribe(ctx context.Context, name string, handler EventHandler) error {
	announce, err := c.events.Subscribe(name, handler)
	if err != nil || !announce {
		return err
	}
	if c.State() != StateConnected {
		c.events.Unannounce(name)
		return nil
	}
	if _, err := c.Call(ctx, MethodEventInterest, []any{[]any{name}}, nil); err != nil {
		c.events.Unannounce(name)
		return fmt.Errorf("rpc: register interest in %s: %w", name, err)
	}
	return nil
}

// Resubscribe announces every subscribed event the daemon has not accepted
// interest in on this connection, e.g. because it refused them before login.
// Names that fail again stay unannounced and are reported in the error.
func (c *Connection) Resubscribe(ctx context.Context) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.announce(ctx, c.events.Unannounced()...)
}

func (c *Connection) announce(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := c.Call(ctx, MethodEventInterest, []any{[]any{name}}, nil); err != nil {
			c.events.Unannounce(name)
			c.logger.Debug("event interest not registered", zap.String("event", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("rpc: register interest in %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the receive loop, which notices within one poll interval,
// closes the transport and fails every pending call with a closed-connection
// error. Close waits for that teardown, and for a Start in progress to
// finish first. Closing an idle connection is a no-op.
func (c *Connection) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
		return nil
	}
	c.mu.Lock()
	done, tr := c.done, c.tr
	c.mu.Unlock()

	timer := time.NewTimer(2 * c.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}
	// The loop is stuck inside a frame the daemon never finished sending.
	if tr != nil {
		tr.Close()
	}
	<-done
	return nil
}

func (c *Connection) transport() *transport.Transport {
	if c.State() != StateConnected {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

// recvLoop runs in its own goroutine for the lifetime of one transport.
// It is the only reader of tr.
func (c *Connection) recvLoop(tr *transport.Transport, done chan struct{}) {
	var fatal error
	defer func() {
		if c.State() == StateClosing {
			// Close got in first; a read it interrupted is not a failure.
			fatal = nil
		}
		c.teardown(tr, fatal)
		close(done)
	}()

	for c.State() == StateConnected {
		ready, err := tr.Poll(c.opts.PollInterval)
		if err != nil {
			fatal = err
			return
		}
		if !ready {
			continue
		}

		payload, err := tr.ReadFrame()
		if err != nil {
			fatal = err
			return
		}

		c.logger.Debug("frame read", zap.Int("payload_bytes", len(payload)))
		values, err := c.codec.Decode(payload)
		if err != nil {
			fatal = err
			return
		}
		for _, v := range values {
			pkt, err := message.ParsePacket(v)
			if err != nil {
				fatal = err
				return
			}
			c.dispatch(pkt)
		}
	}
}

func (c *Connection) dispatch(pkt *message.Packet) {
	switch pkt.Type {
	case message.PacketResponse:
		c.calls.Resolve(pkt.ID, pkt.Value)
	case message.PacketError:
		c.calls.FailWith(pkt.ID, func(pc *PendingCall) error {
			return newRPCError(pc.Method, pkt.Value)
		})
	case message.PacketEvent:
		c.events.Dispatch(pkt.Name, pkt.Args)
	}
}

// teardown keeps the connection in StateClosing until every pending call is
// failed, so neither Call nor Start can slip in half way.
func (c *Connection) teardown(tr *transport.Transport, fatal error) {
	c.state.Store(int32(StateClosing))
	tr.Close()

	c.mu.Lock()
	if c.tr == tr {
		c.tr = nil
	}
	c.mu.Unlock()

	closed := &ConnectionClosedError{Cause: fatal}
	n := c.calls.DrainAllAsFailed(closed)
	c.events.ResetAll()

	// The error must be queued before StateClosed lets a new Start in, or it
	// would outlive Start's drain and land on the next connection.
	if fatal == nil {
		c.logger.Info("connection closed", zap.Int("failed_calls", n))
	} else {
		c.logger.Error("connection lost", zap.Error(fatal), zap.Int("failed_calls", n))
		select {
		case c.fatal <- closed:
		default:
		}
	}
	c.state.Store(int32(StateClosed))
}

// IsFatal reports whether err ended the whole connection rather than a single call.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}
