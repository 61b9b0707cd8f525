package rpc

import (
	"slices"
	"sort"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// EventHandler receives the argument list of a server-pushed event.
type EventHandler func(args []any)

type subscription struct {
	name       string
	handlers   []EventHandler // registration order
	registered bool           // interest announced on the current connection

	queue    []delivery
	draining bool
}

type delivery struct {
	handlers []EventHandler
	args     []any
}

// EventRegistry tracks event handlers and delivers events off the receive
// path. The receive loop only enqueues. Every event name has its own queue
// and drain goroutine, which hands events to the name's transactional bus
// subscription: events of one name run in order, and a slow handler holds up
// only its own name.
//
// Subscriptions outlive the connection: a reconnect keeps every handler and
// only forgets which names were announced to the daemon.
type EventRegistry struct {
	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup // running drain goroutines

	bus    evbus.Bus
	logger *zap.Logger
}

func NewEventRegistry(logger *zap.Logger) *EventRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRegistry{
		subs:   make(map[string]*subscription),
		bus:    evbus.New(),
		logger: logger,
	}
}

// Subscribe appends handler to the list for name. It returns true when the
// caller has to announce interest in name to the daemon; the name is then
// considered announced until Unannounce or ResetAll.
func (r *EventRegistry) Subscribe(name string, handler EventHandler) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[name]
	if !ok {
		if err := r.bus.SubscribeAsync(name, r.deliver, true); err != nil {
			return false, err
		}
		sub = &subscription{name: name}
		r.subs[name] = sub
	}
	sub.handlers = append(sub.handlers, handler)

	if sub.registered {
		return false, nil
	}
	sub.registered = true
	return true, nil
}

// Unannounce marks name as not announced, e.g. after the registration call
// failed, so the next Subscribe or ResubscribeAll retries it.
func (r *EventRegistry) Unannounce(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[name]; ok {
		sub.registered = false
	}
}

// ResetAll forgets every announcement. Called when the connection closes.
func (r *EventRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.registered = false
	}
}

// ResubscribeAll returns, in lexical order, every name with at least one
// handler, marking each as announced. The caller re-issues the registration
// call for each. Handler lists are left untouched.
func (r *EventRegistry) ResubscribeAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.subs))
	for name, sub := range r.subs {
		sub.registered = false
		if len(sub.handlers) == 0 {
			continue
		}
		sub.registered = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unannounced returns, in lexical order, every name with handlers whose
// interest has not been announced on the current connection, marking each as
// announced. Handler lists are left untouched.
func (r *EventRegistry) Unannounced() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, sub := range r.subs {
		if sub.registered || len(sub.handlers) == 0 {
			continue
		}
		sub.registered = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch queues the event for every handler registered under name and
// returns immediately. Events nobody subscribed to are dropped and logged.
func (r *EventRegistry) Dispatch(name string, args []any) bool {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok || len(sub.handlers) == 0 {
		r.mu.Unlock()
		r.logger.Debug("event without subscriber", zap.String("event", name))
		return false
	}
	sub.queue = append(sub.queue, delivery{handlers: slices.Clone(sub.handlers), args: args})
	start := !sub.draining
	sub.draining = true
	if start {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if start {
		go r.drain(sub)
	}
	return true
}

// drain publishes the queued events of one name. Publish blocks while the
// previous event of the same name is still being handled, which only ever
// holds up this goroutine.
func (r *EventRegistry) drain(sub *subscription) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(sub.queue) == 0 {
			sub.draining = false
			r.mu.Unlock()
			return
		}
		d := sub.queue[0]
		sub.queue[0] = delivery{}
		sub.queue = sub.queue[1:]
		r.mu.Unlock()

		r.bus.Publish(sub.name, sub.name, d.handlers, d.args)
	}
}

func (r *EventRegistry) deliver(name string, handlers []EventHandler, args []any) {
	for _, h := range handlers {
		r.invoke(name, h, args)
	}
}

func (r *EventRegistry) invoke(name string, h EventHandler, args []any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("event handler panicked", zap.String("event", name), zap.Any("panic", p))
		}
	}()
	h(args)
}

// Wait blocks until every queued event has been handled.
func (r *EventRegistry) Wait() {
	r.wg.Wait()
	r.bus.WaitAsync()
}

// Names returns the subscribed event names in lexical order.
func (r *EventRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subs))
	for name, sub := range r.subs {
		if len(sub.handlers) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of handlers registered for name.
func (r *EventRegistry) Len(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[name]; ok {
		return len(sub.handlers)
	}
	return 0
}
