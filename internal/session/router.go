// Package session turns the intents of client connections (subscribe,
// unsubscribe, disconnect) into registry operations, and remembers which keys
// each connection is subscribed to so that a disconnect can be cleaned up
// without scanning every watcher.
//
// Intents from one connection may be handled concurrently, but must be
// dispatched in the order they arrived (see Dispatch). For any
// (connection, key) pair the most recent intent to be dispatched decides the
// final state: a subscribe whose acquisition completes after a later
// unsubscribe, or after the connection has gone, is undone.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/practable/pricewatch/internal/metrics"
	"github.com/practable/pricewatch/internal/protocol"
	"github.com/practable/pricewatch/internal/registry"
	"github.com/practable/pricewatch/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned for intents from a connection that has not
// called Connect, or has already disconnected
var ErrNotConnected = errors.New("not connected")

// Router dispatches intents to a registry
type Router struct {
	registry *registry.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	sub    watcher.Subscriber
	closed bool

	// keys holds the watcher each recorded subscription is attached to
	keys map[string]*watcher.Watcher

	// intents holds, per key, the latest intent, while any subscribe for
	// that key is in flight
	intents map[string]*intent

	// inflight counts subscribes per key that are waiting on the registry
	inflight map[string]int
}

type intent struct {
	subscribe bool
}

// New returns a Router using reg, and registers for notice of watchers that
// die with subscribers still attached. m may be nil.
func New(reg *registry.Registry, m *metrics.Metrics) *Router {

	r := &Router{
		registry: reg,
		metrics:  m,
		conns:    make(map[string]*conn),
	}

	reg.OnRetire(r.forget)

	return r
}

// Connect makes sub known to the router. Intents from unknown connections
// are refused.
func (r *Router) Connect(sub watcher.Subscriber) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[sub.ID()]; ok {
		return
	}

	r.conns[sub.ID()] = &conn{
		sub:     sub,
		keys:     make(map[string]*watcher.Watcher),
		intents:  make(map[string]*intent),
		inflight: make(map[string]int),
	}

	r.metrics.Connected()

	log.WithField("client", sub.ID()).Debug("connected")
}

// Subscribe subscribes sub to key. The key is normalised first; a blank key
// is ignored. Subscribing to a key already subscribed is a no-op. If the
// source for key cannot be acquired, the error is returned and nothing is
// recorded.
func (r *Router) Subscribe(ctx context.Context, sub watcher.Subscriber, key string) error {
	wait, err := r.beginSubscribe(sub, key)
	if wait == nil {
		return err
	}
	return wait(ctx)
}

// beginSubscribe records the intent to subscribe. It returns a nil wait if
// there is nothing more to do, else the rest of the subscribe, which may
// block on acquisition.
func (r *Router) beginSubscribe(sub watcher.Subscriber, key string) (func(context.Context) error, error) {

	key = protocol.NormalizeKey(key)

	if key == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[sub.ID()]
	if !ok || c.closed {
		return nil, ErrNotConnected
	}

	if w, ok := c.keys[key]; ok && w.State() == watcher.Active && c.inflight[key] == 0 {
		log.WithFields(log.Fields{"client": sub.ID(), "key": key}).Trace("already subscribed")
		return nil, nil
	}

	in := &intent{subscribe: true}
	c.intents[key] = in
	c.inflight[key]++

	return func(ctx context.Context) error {
		return r.finishSubscribe(ctx, c, key, in)
	}, nil
}

func (r *Router) finishSubscribe(ctx context.Context, c *conn, key string, in *intent) error {

	sub := c.sub

	lf := log.Fields{"client": sub.ID(), "key": key}

	w, err := r.registry.Subscribe(ctx, key, sub)

	r.mu.Lock()
	defer r.mu.Unlock()

	latest := c.intents[key]

	defer func() {
		c.inflight[key]--
		if c.inflight[key] <= 0 {
			delete(c.inflight, key)
			delete(c.intents, key)
		}
	}()

	if err != nil {
		if latest == in {
			// an earlier subscribe may still be in flight, and must not
			// keep what it gets
			latest.subscribe = false
		}
		log.WithFields(lf).WithField("error", err).Warn("subscribe failed")
		return err
	}

	if c.closed || !latest.subscribe {
		r.registry.Unsubscribe(key, sub)
		if _, ok := c.keys[key]; ok {
			delete(c.keys, key)
			r.metrics.Unsubscribed(1)
		}
		log.WithFields(lf).Debug("subscribe superseded, undone")
		return nil
	}

	cur, ok := c.keys[key]

	if ok && latest != in && cur.State() == watcher.Active {
		// a later subscribe got here first
		return nil
	}

	if !ok {
		r.metrics.Subscribed()
	}
	c.keys[key] = w

	log.WithFields(lf).Info("subscribed")

	return nil
}

// Unsubscribe removes sub's subscription to key. Unsubscribing from a key
// that is not subscribed is a no-op.
func (r *Router) Unsubscribe(sub watcher.Subscriber, key string) error {

	key = protocol.NormalizeKey(key)

	if key == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[sub.ID()]
	if !ok || c.closed {
		return ErrNotConnected
	}

	if c.inflight[key] > 0 {
		c.intents[key] = &intent{subscribe: false}
	} else {
		delete(c.intents, key)
	}

	if _, ok := c.keys[key]; ok {
		delete(c.keys, key)
		r.metrics.Unsubscribed(1)
	}

	if r.registry.Unsubscribe(key, sub) {
		log.WithFields(log.Fields{"client": sub.ID(), "key": key}).Info("unsubscribed")
	}

	return nil
}

// Disconnect unsubscribes sub from everything and forgets it. Subscribes
// still in flight for sub are undone when they complete. It is idempotent.
func (r *Router) Disconnect(sub watcher.Subscriber) {

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[sub.ID()]
	if !ok {
		return
	}

	c.closed = true
	delete(r.conns, sub.ID())

	for key := range c.keys {
		r.registry.Unsubscribe(key, sub)
	}

	r.metrics.Unsubscribed(len(c.keys))
	r.metrics.Disconnected()

	log.WithFields(log.Fields{"client": sub.ID(), "subscriptions": len(c.keys)}).Debug("disconnected")

	c.keys = make(map[string]*watcher.Watcher)
}

// Handle decodes one inbound message from sub and acts on it, returning
// once it has been fully handled. Messages that are not understood are
// ignored.
func (r *Router) Handle(ctx context.Context, sub watcher.Subscriber, data []byte) error {
	wait, err := r.Dispatch(sub, data)
	if wait == nil {
		return err
	}
	return wait(ctx)
}

// Dispatch decodes one inbound message from sub and records its intent
// before returning, so that calls made in arrival order take effect in
// arrival order. If the intent needs to wait for an acquisition, the rest of
// the work is returned as wait, which the caller may run on another
// goroutine; otherwise wait is nil.
func (r *Router) Dispatch(sub watcher.Subscriber, data []byte) (wait func(context.Context) error, err error) {

	m := protocol.Decode(data)

	switch m.Kind {
	case protocol.KindSubscribe:
		return r.beginSubscribe(sub, m.Key)
	case protocol.KindUnsubscribe:
		return nil, r.Unsubscribe(sub, m.Key)
	default:
		log.WithFields(log.Fields{"client": sub.ID(), "size": len(data)}).Debug("ignoring message")
		return nil, nil
	}
}

// Subscriptions returns the keys sub is subscribed to, sorted
func (r *Router) Subscriptions(sub watcher.Subscriber) []string {

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := []string{}

	c, ok := r.conns[sub.ID()]
	if !ok {
		return keys
	}

	for key := range c.keys {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Len returns the number of connections
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// forget drops the records of subscriptions to a watcher that has died
func (r *Router) forget(w *watcher.Watcher, subs []watcher.Subscriber) {

	r.mu.Lock()
	defer r.mu.Unlock()

	key := w.Key()

	for _, sub := range subs {
		c, ok := r.conns[sub.ID()]
		if !ok {
			continue
		}
		if c.keys[key] == w {
			delete(c.keys, key)
			r.metrics.Unsubscribed(1)
			log.WithFields(log.Fields{"client": sub.ID(), "key": key}).Info("subscription dropped by source fault")
		}
	}
}
