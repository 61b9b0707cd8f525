package rpc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"deluge-rpc/transport"
)

var (
	// ErrConnectionClosed is fatal: the stream ended, failed, or spoke an
	// unknown protocol version. Every in-flight call fails with it.
	ErrConnectionClosed = transport.ErrConnectionClosed
	ErrAlreadyConnected = errors.New("rpc: connection already opened")
	ErrNotConnected     = errors.New("rpc: not connected")
	ErrInvokeTimeout    = errors.New("rpc: invoke timeout")
)

// ConnectionClosedError carries the condition that ended the connection.
// errors.Is(err, ErrConnectionClosed) holds for every instance.
type ConnectionClosedError struct {
	Cause error // nil when the connection was closed deliberately
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause == nil {
		return "rpc: connection closed"
	}
	if errors.Is(e.Cause, ErrConnectionClosed) {
		return "rpc: " + e.Cause.Error()
	}
	return "rpc: connection closed: " + e.Cause.Error()
}

func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// InvokeTimeoutError reports that no response arrived in time. It is local to
// the one call; the connection stays usable.
type InvokeTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *InvokeTimeoutError) Error() string {
	return fmt.Sprintf("rpc: failed to retrieve response for %q in %s, probably the method does not exist", e.Method, e.Timeout)
}

func (e *InvokeTimeoutError) Is(target error) bool { return target == ErrInvokeTimeout }

// RPCError is a failure reported by the daemon for one call.
type RPCError struct {
	Method        string
	ExceptionType string // e.g. "BadLoginError"; empty when the daemon sent a bare message
	Message       string
	Traceback     string
	Value         any // the raw error value as received
}

func (e *RPCError) Error() string {
	if e.ExceptionType != "" {
		return fmt.Sprintf("rpc: %s failed: %s: %s", e.Method, e.ExceptionType, e.Message)
	}
	return fmt.Sprintf("rpc: %s failed: %s", e.Method, e.Message)
}

// newRPCError understands a bare message and the daemon's
// [exceptionType, args, kwargs, traceback] tuple (older daemons send
// [exceptionType, message, traceback]).
func newRPCError(method string, v any) *RPCError {
	e := &RPCError{Method: method, Value: v}
	switch x := v.(type) {
	case string:
		e.Message = x
	case []any:
		if len(x) > 0 {
			e.ExceptionType, _ = x[0].(string)
		}
		if len(x) > 1 {
			e.Message = errorMessage(x[1])
		}
		if len(x) > 2 {
			e.Traceback, _ = x[len(x)-1].(string)
		}
	default:
		e.Message = fmt.Sprint(v)
	}
	return e
}

func errorMessage(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}
