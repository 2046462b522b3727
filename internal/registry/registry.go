// Package registry maps keys to watchers. It makes sure that at most one
// live watcher exists per key, that concurrent subscribers to a new key share
// a single acquisition, and that a watcher is retired as soon as nobody is
// subscribed to it or waiting for it.
//
// All changes to the map and to watcher subscriber sets happen while holding
// the registry's mutex, so subscribe, unsubscribe and retirement are
// serialised with respect to each other. Acquisition happens outside the
// lock, in its own goroutine, and only the callers interested in that key
// wait for it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/practable/pricewatch/internal/metrics"
	"github.com/practable/pricewatch/internal/source"
	"github.com/practable/pricewatch/internal/watcher"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrEmptyKey is returned when subscribing to a blank key
	ErrEmptyKey = errors.New("empty key")

	// ErrClosed is returned by Subscribe after Shutdown
	ErrClosed = errors.New("registry closed")
)

// Config represents configuration options for a registry
type Config struct {

	// AcquireTimeout bounds each call to Source.Open
	AcquireTimeout time.Duration

	// FailureThreshold is passed on to each watcher
	FailureThreshold int

	// ShutdownTimeout bounds the wait for each watcher to release its handle
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a Config with default parameters
func NewDefaultConfig() Config {
	return Config{
		AcquireTimeout:   10 * time.Second,
		FailureThreshold: watcher.DefaultFailureThreshold,
		ShutdownTimeout:  5 * time.Second,
	}
}

type entry struct {
	w *watcher.Watcher

	// number of Subscribe calls waiting on w's acquisition
	waiting int
}

// Registry holds the watchers
type Registry struct {
	source  source.Source
	config  Config
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	onRetire func(*watcher.Watcher, []watcher.Subscriber)

	// acquisitions in flight
	wg sync.WaitGroup
}

// New returns a registry that opens keys with src. m may be nil.
func New(src source.Source, config Config, m *metrics.Metrics) *Registry {

	d := NewDefaultConfig()
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = d.AcquireTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = d.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		source:  src,
		config:  config,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// OnRetire sets the function called after a watcher dies of a source fault,
// with the subscribers it had. Those subscribers are not moved anywhere;
// this lets the caller forget about them. Set it before first use.
func (r *Registry) OnRetire(f func(*watcher.Watcher, []watcher.Subscriber)) {
	r.mu.Lock()
	r.onRetire = f
	r.mu.Unlock()
}

// Subscribe attaches sub to the watcher for key, creating the watcher and
// acquiring its source if necessary. It blocks until the watcher is Active
// or its acquisition fails, in which case the *source.AcquisitionError is
// returned and sub is not attached anywhere. If ctx is done first, the
// caller stops waiting and ctx.Err() is returned.
func (r *Registry) Subscribe(ctx context.Context, key string, sub watcher.Subscriber) (*watcher.Watcher, error) {

	if key == "" {
		return nil, ErrEmptyKey
	}

	for {

		r.mu.Lock()

		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}

		e := r.getOrCreate(key)
		e.waiting++
		w := e.w

		r.mu.Unlock()

		select {
		case <-w.Ready():
		case <-ctx.Done():
			r.mu.Lock()
			e.waiting--
			r.retireIfIdle(key, e, "abandoned")
			r.mu.Unlock()
			return nil, ctx.Err()
		}

		r.mu.Lock()

		e.waiting--

		if w.Add(sub) {
			r.mu.Unlock()
			log.WithFields(log.Fields{"key": key, "client": sub.ID()}).Debug("subscribed")
			return w, nil
		}

		err := w.Err()

		r.mu.Unlock()

		if source.IsAcquisition(err) {
			return nil, err
		}

		// w was retired or faulted between becoming ready and us getting
		// the lock; go round again for a fresh one
		log.WithFields(log.Fields{"key": key, "error": err}).Debug("watcher gone before attach, retrying")
	}
}

// getOrCreate returns the entry for key, publishing a new Starting watcher
// and starting its acquisition if there is no live one. Call with mu held.
func (r *Registry) getOrCreate(key string) *entry {

	if e, ok := r.entries[key]; ok {
		switch e.w.State() {
		case watcher.Starting, watcher.Active:
			return e
		}
		// faulted, and its OnFault has not run yet
		r.drop(key, e, "fault")
	}

	w := watcher.New(key, watcher.Config{FailureThreshold: r.config.FailureThreshold}, r.metrics)
	w.OnFault(r.handleFault)

	e := &entry{w: w}
	r.entries[key] = e

	r.metrics.WatcherAdded()

	r.wg.Add(1)
	go r.acquire(w)

	log.WithField("key", key).Debug("new watcher")

	return e
}

// acquire opens the source for w, then either starts it or fails it
func (r *Registry) acquire(w *watcher.Watcher) {

	defer r.wg.Done()

	key := w.Key()

	ctx, cancel := context.WithTimeout(r.ctx, r.config.AcquireTimeout)
	defer cancel()

	start := time.Now()

	h, err := r.source.Open(ctx, key)

	elapsed := time.Since(start).Seconds()

	if err != nil {

		if !source.IsAcquisition(err) {
			err = source.Acquisition(key, err)
		}

		r.metrics.Acquired("error", elapsed)
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("acquisition failed")

		r.mu.Lock()
		if e, ok := r.entries[key]; ok && e.w == w {
			r.drop(key, e, "error")
		}
		w.Fail(err)
		r.mu.Unlock()

		return
	}

	if !w.Start(h) {
		// retired while we were opening; Start has closed h
		r.metrics.Acquired("abandoned", elapsed)
		log.WithField("key", key).Debug("acquisition abandoned")
		return
	}

	r.metrics.Acquired("ok", elapsed)
	log.WithFields(log.Fields{"key": key, "seconds": elapsed}).Info("acquired")

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]

	if !ok || e.w != w {
		if w.State() == watcher.Active {
			panic(fmt.Sprintf("registry: active watcher for %s is not registered", key))
		}
		return
	}

	// every waiter gave up during acquisition
	r.retireIfIdle(key, e, "abandoned")
}

// RemoveIfEmpty retires the watcher for key if it has no subscribers and
// nobody is waiting for it, reporting whether it did
func (r *Registry) RemoveIfEmpty(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	return r.retireIfIdle(key, e, "idle")
}

// Unsubscribe detaches sub from the watcher for key, and retires the watcher
// if that left it empty. It reports whether sub was attached.
func (r *Registry) Unsubscribe(key string, sub watcher.Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}

	removed := e.w.Remove(sub.ID())

	if removed {
		log.WithFields(log.Fields{"key": key, "client": sub.ID()}).Debug("unsubscribed")
	}

	r.retireIfIdle(key, e, "idle")

	return removed
}

// retireIfIdle removes e and stops its watcher if nobody needs it.
// Call with mu held.
func (r *Registry) retireIfIdle(key string, e *entry, reason string) bool {

	if r.entries[key] != e {
		return false
	}

	if e.waiting > 0 || e.w.Len() > 0 {
		return false
	}

	r.drop(key, e, reason)
	e.w.Stop()

	log.WithFields(log.Fields{"key": key, "reason": reason}).Info("watcher retired")

	return true
}

// drop removes e from the map. Call with mu held.
func (r *Registry) drop(key string, e *entry, reason string) {
	delete(r.entries, key)
	r.metrics.WatcherRemoved(reason)
}

// handleFault runs on a watcher's own goroutine when its source dies
func (r *Registry) handleFault(w *watcher.Watcher, err error) {

	key := w.Key()

	r.mu.Lock()

	if e, ok := r.entries[key]; ok && e.w == w {
		r.drop(key, e, "fault")
	}

	subs := w.Subscribers()
	f := r.onRetire

	r.mu.Unlock()

	log.WithFields(log.Fields{"key": key, "error": err, "subscribers": len(subs)}).Warn("watcher faulted")

	if f != nil {
		f(w, subs)
	}
}

// Lookup returns the registered watcher for key, or nil
func (r *Registry) Lookup(key string) *watcher.Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.w
	}
	return nil
}

// Len returns the number of registered watchers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reports returns the status of every registered watcher, sorted by key
func (r *Registry) Reports() []*watcher.Report {

	r.mu.Lock()
	ws := make([]*watcher.Watcher, 0, len(r.entries))
	for _, e := range r.entries {
		ws = append(ws, e.w)
	}
	r.mu.Unlock()

	reports := make([]*watcher.Report, 0, len(ws))
	for _, w := range ws {
		reports = append(reports, w.NewReport())
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Key < reports[j].Key
	})

	return reports
}

// Shutdown stops every watcher, aborts acquisitions in flight, and waits for
// handles to be released. Each watcher gets ShutdownTimeout, and the whole
// wait is also bounded by ctx. Subscribe fails with ErrClosed afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	r.cancel()

	ws := make([]*watcher.Watcher, 0, len(r.entries))
	for key, e := range r.entries {
		ws = append(ws, e.w)
		r.drop(key, e, "shutdown")
		e.w.Stop()
	}

	r.mu.Unlock()

	log.WithField("watchers", len(ws)).Info("registry shutting down")

	var stuck []string

	for _, w := range ws {
		select {
		case <-w.Done():
		case <-time.After(r.config.ShutdownTimeout):
			stuck = append(stuck, w.Key())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	acquired := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(stuck) > 0 {
		sort.Strings(stuck)
		return fmt.Errorf("watchers did not stop within %s: %v", r.config.ShutdownTimeout, stuck)
	}

	return nil
}
