package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PendingCall is one in-flight request. Its result is assigned exactly once,
// by a response, an error, a timeout, or the connection draining.
type PendingCall struct {
	ID     int64
	Method string

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newPendingCall(id int64, method string) *PendingCall {
	return &PendingCall{ID: id, Method: method, done: make(chan struct{})}
}

// fulfill reports whether this call set the result.
func (p *PendingCall) fulfill(value any, err error) bool {
	fulfilled := false
	p.once.Do(func() {
		p.value, p.err = value, err
		close(p.done)
		fulfilled = true
	})
	return fulfilled
}

// Done is closed once the call is resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result must only be read after Done is closed.
func (p *PendingCall) Result() (any, error) { return p.value, p.err }

// CallRegistry assigns request ids and routes responses to their callers.
// It is shared by every calling goroutine and the receive loop.
//
// A PendingCall leaves the registry the moment it resolves; whoever removes it
// from the map (receive loop, timeout, drain) is the only one who fulfills it.
type CallRegistry struct {
	seq     atomic.Int64
	pending sync.Map // map[int64]*PendingCall
	count   atomic.Int64
	logger  *zap.Logger
}

func NewCallRegistry(logger *zap.Logger) *CallRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallRegistry{logger: logger}
}

// NextID returns a strictly increasing id, never reused by this registry.
func (r *CallRegistry) NextID() int64 {
	return r.seq.Add(1)
}

// Register inserts a PendingCall for id.
func (r *CallRegistry) Register(id int64, method string) *PendingCall {
	pc := newPendingCall(id, method)
	r.pending.Store(id, pc)
	r.count.Add(1)
	return pc
}

// take removes the call for id, returning nil if it is no longer pending.
func (r *CallRegistry) take(id int64) *PendingCall {
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return nil
	}
	r.count.Add(-1)
	return v.(*PendingCall)
}

// Resolve completes the call with a value. Unknown ids (a call that already
// timed out, or one never issued) are ignored and logged.
func (r *CallRegistry) Resolve(id int64, value any) bool {
	pc := r.take(id)
	if pc == nil {
		r.logger.Debug("response for unknown request", zap.Int64("id", id))
		return false
	}
	return pc.fulfill(value, nil)
}

// Fail completes the call with an error. Unknown ids are ignored and logged.
func (r *CallRegistry) Fail(id int64, err error) bool {
	pc := r.take(id)
	if pc == nil {
		r.logger.Debug("error for unknown request", zap.Int64("id", id), zap.Error(err))
		return false
	}
	return pc.fulfill(nil, err)
}

// FailWith is like Fail but builds the error from the call being failed.
func (r *CallRegistry) FailWith(id int64, mkErr func(pc *PendingCall) error) bool {
	pc := r.take(id)
	if pc == nil {
		r.logger.Debug("error for unknown request", zap.Int64("id", id))
		return false
	}
	return pc.fulfill(nil, mkErr(pc))
}

// Forget withdraws a call that was never sent.
func (r *CallRegistry) Forget(id int64) {
	r.take(id)
}

// Await blocks until pc resolves, the timeout elapses, or ctx is done.
//
// On timeout the call is withdrawn from the registry. If the receive loop got
// there first, the response it is delivering wins, so a nil value that
// arrives at the deadline is returned as nil rather than as a timeout.
func (r *CallRegistry) Await(ctx context.Context, pc *PendingCall, timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		return pc.Result()
	case <-timer.C:
		r.withdraw(pc, &InvokeTimeoutError{Method: pc.Method, Timeout: timeout})
	case <-ctx.Done():
		r.withdraw(pc, ctx.Err())
	}
	<-pc.done
	return pc.Result()
}

func (r *CallRegistry) withdraw(pc *PendingCall, err error) {
	if taken := r.take(pc.ID); taken != nil {
		taken.fulfill(nil, err)
	}
}

// DrainAllAsFailed fails every outstanding call with err. It is called when
// the connection goes away so no caller blocks until its timeout.
func (r *CallRegistry) DrainAllAsFailed(err error) int {
	n := 0
	r.pending.Range(func(key, value any) bool {
		if pc := r.take(key.(int64)); pc != nil && pc.fulfill(nil, err) {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of calls awaiting a response.
func (r *CallRegistry) Len() int {
	return int(r.count.Load())
}
