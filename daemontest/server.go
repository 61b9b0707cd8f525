// Package daemontest provides an in-process daemon that speaks the deluge RPC
// wire protocol, for tests.
//
// Request processing pipeline:
//
//	Accept conn → TLS → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → HandlerFunc → Encode → write response under the per-conn write lock
package daemontest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"deluge-rpc/codec"
	"deluge-rpc/message"
	"deluge-rpc/protocol"

	"go.uber.org/zap"
)

// ErrNoReply makes the server swallow a request without answering it.
var ErrNoReply = errors.New("daemontest: no reply")

// HandlerFunc implements one remote method.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Error is sent to the client in the daemon's
// [exceptionType, args, kwargs, traceback] shape.
type Error struct {
	ExceptionType string
	Message       string
}

func (e *Error) Error() string { return e.ExceptionType + ": " + e.Message }

type user struct {
	password string
	level    int
}

// Server is a fake daemon bound to a loopback port.
type Server struct {
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	users     map[string]user
	conns     map[*conn]struct{}
	calls     map[string]int
	interests map[string]int // accepted daemon.set_event_interest calls per event name

	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
	codec    codec.Codec
	logger   *zap.Logger
}

type conn struct {
	net.Conn
	writeMu   sync.Mutex // shared by all request goroutines on this conn
	mu        sync.Mutex
	level     int // auth level of the logged in user, 0 before login
	interests map[string]bool
}

type connKey struct{}

// NewServer creates a server with the built-in daemon.* methods registered.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		handlers:  make(map[string]HandlerFunc),
		users:     make(map[string]user),
		conns:     make(map[*conn]struct{}),
		calls:     make(map[string]int),
		interests: make(map[string]int),
		codec:     &codec.RencodeCodec{},
		logger:    logger,
	}
	s.Handle("daemon.login", s.login)
	s.Handle("daemon.get_method_list", s.methodList)
	s.Handle("daemon.set_event_interest", s.setEventInterest)
	s.Handle("daemon.info", func(context.Context, []any, map[string]any) (any, error) {
		return "2.1.1", nil
	})
	return s
}

// Handle registers fn under the full dotted method name.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// AddUser lets username log in with password, receiving level as auth level.
func (s *Server) AddUser(username, password string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{password: password, level: level}
}

// Start listens on a random loopback port with a throwaway self-signed
// certificate and serves in the background. It returns the listen address.
func (s *Server) Start() (string, error) {
	cert, err := selfSignedCertificate()
	if err != nil {
		return "", err
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return "", err
	}
	s.listener = listener

	go s.serve()
	return listener.Addr().String(), nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostPort splits Addr for configuration structs.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return host, p
}

func (s *Server) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		dc := &conn{Conn: c, interests: make(map[string]bool)}
		s.mu.Lock()
		s.conns[dc] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(dc)
	}
}

// handleConn reads frames sequentially (one reader per connection) and
// dispatches each request to its own goroutine.
func (s *Server) handleConn(c *conn) {
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	for {
		payload, err := protocol.Decode(c)
		if err != nil {
			return
		}
		values, err := s.codec.Decode(payload)
		if err != nil {
			s.logger.Warn("undecodable request", zap.Error(err))
			return
		}
		for _, v := range values {
			reqs, err := message.ParseRequests(v)
			if err != nil {
				s.logger.Warn("malformed request", zap.Error(err))
				return
			}
			for _, req := range reqs {
				s.wg.Add(1)
				go s.handleRequest(c, req)
			}
		}
	}
}

func (s *Server) handleRequest(c *conn, req *message.Request) {
	defer s.wg.Done()

	s.mu.Lock()
	fn, ok := s.handlers[req.Method]
	s.calls[req.Method]++
	s.mu.Unlock()

	var packet []any
	if !ok {
		packet = message.Error(req.ID, errorValue(&Error{ExceptionType: "WrappedException", Message: "Unknown method " + req.Method}))
	} else {
		ctx := context.WithValue(context.Background(), connKey{}, c)
		value, err := fn(ctx, req.Args, req.Kwargs)
		switch {
		case errors.Is(err, ErrNoReply):
			return
		case err != nil:
			packet = message.Error(req.ID, errorValue(err))
		default:
			packet = message.Response(req.ID, value)
		}
	}

	if err := s.send(c, packet); err != nil {
		s.logger.Debug("failed to write reply", zap.Error(err))
	}
}

func errorValue(err error) any {
	var de *Error
	if errors.As(err, &de) {
		return []any{de.ExceptionType, []any{de.Message}, map[string]any{}, "Traceback (most recent call last): ..."}
	}
	return err.Error()
}

func (s *Server) send(c *conn, packet []any) error {
	payload, err := s.codec.Encode(packet)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c, payload)
}

func (s *Server) login(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if _, ok := kwargs["client_version"]; !ok {
		return nil, &Error{ExceptionType: "IncompatibleClient", Message: "client_version is required"}
	}
	if len(args) != 2 {
		return nil, &Error{ExceptionType: "BadLoginError", Message: "username and password required"}
	}
	username, _ := args[0].(string)
	password, _ := args[1].(string)

	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok || u.password != password {
		return nil, &Error{ExceptionType: "BadLoginError", Message: "Password does not match"}
	}
	if c, ok := ctx.Value(connKey{}).(*conn); ok {
		c.mu.Lock()
		c.level = u.level
		c.mu.Unlock()
	}
	return int64(u.level), nil
}

func (s *Server) methodList(context.Context, []any, map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) setEventInterest(ctx context.Context, args []any, _ map[string]any) (any, error) {
	c, _ := ctx.Value(connKey{}).(*conn)
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()
	if level == 0 {
		return nil, &Error{ExceptionType: "NotAuthorizedError", Message: "Not authorized: 0 < 1"}
	}
	if len(args) != 1 {
		return nil, &Error{ExceptionType: "TypeError", Message: "expected a list of event names"}
	}
	names, ok := args[0].([]any)
	if !ok {
		return nil, &Error{ExceptionType: "TypeError", Message: "expected a list of event names"}
	}
	for _, n := range names {
		name, _ := n.(string)
		c.mu.Lock()
		c.interests[name] = true
		c.mu.Unlock()
		s.mu.Lock()
		s.interests[name]++
		s.mu.Unlock()
	}
	return true, nil
}

// Emit pushes an event to every connection that registered interest in it and
// returns how many connections it was sent to.
func (s *Server) Emit(event string, args ...any) int {
	packet := message.Event(event, args)
	sent := 0
	for _, c := range s.connections() {
		c.mu.Lock()
		interested := c.interests[event]
		c.mu.Unlock()
		if !interested {
			continue
		}
		if err := s.send(c, packet); err == nil {
			sent++
		}
	}
	return sent
}

// EmitAll pushes an event to every connection, interested or not.
func (s *Server) EmitAll(event string, args ...any) {
	packet := message.Event(event, args)
	for _, c := range s.connections() {
		s.send(c, packet)
	}
}

// InterestCalls returns how many times interest in event was registered.
// Calls refused before login are not counted.
func (s *Server) InterestCalls(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interests[event]
}

// Calls returns how many requests for method were received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// ConnCount returns the number of open client connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WriteRaw writes b verbatim to every connection, bypassing framing.
func (s *Server) WriteRaw(b []byte) {
	for _, c := range s.connections() {
		c.writeMu.Lock()
		c.Write(b)
		c.writeMu.Unlock()
	}
}

// DropConnections closes every client connection abruptly.
func (s *Server) DropConnections() {
	for _, c := range s.connections() {
		c.Close()
	}
}

func (s *Server) connections() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown stops accepting, drops every connection and waits for in-flight
// handlers, at most timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.DropConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("daemontest: timeout waiting for ongoing requests to finish")
	}
}
