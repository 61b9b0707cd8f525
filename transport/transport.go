// Package transport owns the encrypted stream to the daemon.
//
// A Transport writes whole frames under a write lock, so any number of
// goroutines may send concurrently, and reads frames from a single reader
// goroutine (the connection's receive loop):
//
//	goroutine-1 ──WriteFrame──┐
//	goroutine-2 ──WriteFrame──┼──→ single TLS conn ──→ daemon
//	goroutine-3 ──WriteFrame──┘
//
//	recvLoop:  Poll(100ms) ─ready─→ ReadFrame ─→ payload
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"deluge-rpc/protocol"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultKeepAlive   = 30 * time.Second
)

// ErrConnectionClosed reports that the stream ended or failed. It is fatal
// for the transport: nothing more can be read from or written to it.
var ErrConnectionClosed = errors.New("connection closed")

// Options tune Dial.
type Options struct {
	// TLSConfig overrides the default config. The default skips certificate
	// verification because deluge daemons generate self-signed certificates;
	// callers that need verification supply their own config.
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// Transport manages one framed connection.
type Transport struct {
	conn    net.Conn
	reader  *bufio.Reader
	sending sync.Mutex // frames from different goroutines must never interleave
	closeMu sync.Once
}

// Dial opens a TCP connection to addr with keep-alive and Nagle disabled,
// then completes the TLS handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(opts.KeepAlive)
	}

	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{InsecureSkipVerify: true}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established stream. Tests use it with net.Pipe.
func New(conn net.Conn) *Transport {
	return &Transport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// WriteFrame compresses payload and writes it as one frame. The whole frame
// goes out in a single Write under the sending lock.
func (t *Transport) WriteFrame(payload []byte) error {
	frame, err := protocol.Frame(payload)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Poll waits at most wait for the next frame to become readable. It returns
// false, nil when nothing arrived in time, so the caller can check for
// shutdown and poll again. End of stream or a socket error is reported as
// ErrConnectionClosed. Only the reading goroutine may call Poll.
func (t *Transport) Poll(wait time.Duration) (bool, error) {
	if t.reader.Buffered() > 0 {
		return true, nil
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	_, err := t.reader.Peek(1)
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// ReadFrame reads one frame and returns its decompressed payload. Only the
// reading goroutine may call ReadFrame. A version mismatch is returned as
// protocol.ErrVersionMismatch; I/O failures as ErrConnectionClosed.
func (t *Transport) ReadFrame() ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	payload, err := protocol.Decode(t.reader)
	if err != nil {
		if errors.Is(err, protocol.ErrVersionMismatch) || errors.Is(err, protocol.ErrFrameTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return payload, nil
}

// RemoteAddr returns the daemon address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying connection. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeMu.Do(func() {
		err = t.conn.Close()
	})
	return err
}
