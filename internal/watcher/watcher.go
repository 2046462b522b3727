// Package watcher runs one source acquisition for one key, and fans the
// values it produces out to the current set of subscribers.
//
// A Watcher moves through Starting, Active, Stopping and Stopped, never
// backwards. The registry creates it in Starting, then calls Start with the
// opened handle or Fail with the acquisition error. Stop may be called in
// any state. The background loop owns the handle and closes it before the
// watcher reports Stopped.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/practable/pricewatch/internal/metrics"
	"github.com/practable/pricewatch/internal/protocol"
	"github.com/practable/pricewatch/internal/source"
	"github.com/practable/pricewatch/internal/stats"
	log "github.com/sirupsen/logrus"
)

// ErrRetired is the error reported to callers waiting on a watcher that was
// stopped before its acquisition completed.
var ErrRetired = errors.New("watcher retired")

// DefaultFailureThreshold is the number of consecutive recoverable fetch
// errors after which the source is considered dead
const DefaultFailureThreshold = 3

// State is a watcher's lifecycle state
type State int32

const (
	Starting State = iota
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Subscriber is the watcher's view of a client connection. Send must not
// block; a subscriber that cannot take the update should return an error.
type Subscriber interface {
	ID() string
	Send(protocol.Update) error
}

// DeliveryError reports that one update could not be given to one subscriber
type DeliveryError struct {
	Key        string
	Subscriber string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Key, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config tunes the background loop
type Config struct {
	// FailureThreshold consecutive recoverable fetch errors end the watcher
	FailureThreshold int
}

// Report represents a watcher's status in a form we can marshal
type Report struct {
	Key         string        `json:"key"`
	State       string        `json:"state"`
	Subscribers int           `json:"subscribers"`
	Stats       *stats.Report `json:"stats"`
}

// Watcher owns one source handle and one subscriber set
type Watcher struct {
	key     string
	config  Config
	metrics *metrics.Metrics
	stats   *stats.Stats
	log     *log.Entry

	mu          sync.Mutex
	state       State
	subscribers map[string]Subscriber
	handle      source.Handle
	cancel      context.CancelFunc
	err         error
	onFault     func(*Watcher, error)

	ready chan struct{}
	done  chan struct{}
}

// New returns a watcher for key in the Starting state
func New(key string, config Config, m *metrics.Metrics) *Watcher {

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}

	return &Watcher{
		key:         key,
		config:      config,
		metrics:     m,
		stats:       stats.New(),
		log:         log.WithField("key", key),
		state:       Starting,
		subscribers: make(map[string]Subscriber),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Key returns the normalised key being watched
func (w *Watcher) Key() string {
	return w.key
}

// State returns the current lifecycle state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ready is closed once acquisition has resolved, one way or the other
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Done is closed once the watcher is Stopped and its handle released
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err returns the acquisition error, the fault that ended the loop, or
// ErrRetired; nil while the watcher is healthy
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// OnFault sets the function called (from the loop goroutine) when the loop
// ends because of a source fault. Set it before Start.
func (w *Watcher) OnFault(f func(*Watcher, error)) {
	w.mu.Lock()
	w.onFault = f
	w.mu.Unlock()
}

// Start hands the watcher its opened handle and starts the loop. If the
// watcher was stopped while the handle was being opened, the handle is
// closed at once and Start returns false.
func (w *Watcher) Start(h source.Handle) bool {

	w.mu.Lock()

	if w.state != Starting {
		w.state = Stopped
		w.err = ErrRetired
		w.mu.Unlock()
		if err := h.Close(); err != nil {
			w.log.WithField("error", err).Warn("closing abandoned handle")
		}
		close(w.ready)
		close(w.done)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())

	w.handle = h
	w.cancel = cancel
	w.state = Active

	w.mu.Unlock()

	close(w.ready)

	go w.run(ctx)

	return true
}

// Fail records an acquisition failure. No loop ever runs.
func (w *Watcher) Fail(err error) {

	w.mu.Lock()
	if w.state != Starting && w.state != Stopping {
		w.mu.Unlock()
		return
	}
	w.state = Stopped
	w.err = err
	w.mu.Unlock()

	close(w.ready)
	close(w.done)
}

// Stop begins teardown. It does not wait; use Done for that.
func (w *Watcher) Stop() {

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Starting:
		// Start or Fail will finish the job when acquisition returns
		w.state = Stopping
	case Active:
		w.state = Stopping
		w.cancel()
	}
}

// Add puts s in the subscriber set. It returns false, and does nothing, if
// the watcher is not Active.
func (w *Watcher) Add(s Subscriber) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Active {
		return false
	}
	w.subscribers[s.ID()] = s
	return true
}

// Remove takes the subscriber with id out of the set, reporting whether it
// was there
func (w *Watcher) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subscribers[id]
	delete(w.subscribers, id)
	return ok
}

// Has reports whether the subscriber with id is in the set
func (w *Watcher) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subscribers[id]
	return ok
}

// Len returns the number of subscribers
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscribers)
}

// Subscribers returns a snapshot of the subscriber set
func (w *Watcher) Subscribers() []Subscriber {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for _, s := range w.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// Stats returns the running statistics
func (w *Watcher) Stats() *stats.Stats {
	return w.stats
}

// NewReport returns a snapshot of the watcher's status
func (w *Watcher) NewReport() *Report {
	w.mu.Lock()
	r := &Report{
		Key:         w.key,
		State:       w.state.String(),
		Subscribers: len(w.subscribers),
	}
	w.mu.Unlock()
	r.Stats = w.stats.NewReport()
	return r
}

func (w *Watcher) run(ctx context.Context) {

	defer func() {
		w.cancel()
		if err := w.handle.Close(); err != nil {
			w.log.WithField("error", err).Warn("closing handle")
		}
		w.mu.Lock()
		w.state = Stopped
		w.mu.Unlock()
		close(w.done)
		w.log.Debug("watcher stopped")
	}()

	w.log.Debug("watcher started")

	failures := 0

	for {

		v, err := w.handle.Next(ctx)

		if ctx.Err() != nil {
			return // stopped; anything fetched meanwhile is discarded
		}

		switch {

		case err == nil:
			failures = 0
			w.broadcast(v)

		case errors.Is(err, source.ErrEmptyValue):
			w.stats.EmptyValue()
			w.metrics.EmptyValue()
			w.log.WithField("error", err).Warn("skipping empty value")

		case source.IsTerminal(err):
			w.fault(err)
			return

		default:
			failures++
			w.stats.Failure()
			w.metrics.FetchError()
			w.log.WithFields(log.Fields{"error": err, "failures": failures}).Warn("fetch failed")

			if failures >= w.config.FailureThreshold {
				w.fault(fmt.Errorf("%d consecutive fetch failures: %w", failures, err))
				return
			}
		}
	}
}

func (w *Watcher) fault(err error) {

	w.mu.Lock()
	if w.state == Active {
		w.state = Stopping
	}
	w.err = err
	f := w.onFault
	w.mu.Unlock()

	w.log.WithField("error", err).Error("source failed, retiring watcher")

	if f != nil {
		f(w, err)
	}
}

// broadcast sends v to everyone subscribed right now. Each send is
// independent; a failure is counted and logged, never returned.
func (w *Watcher) broadcast(v string) {

	w.mu.Lock()
	if w.state != Active {
		w.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(w.subscribers))
	for _, s := range w.subscribers {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	u := protocol.Update{Key: w.key, Value: v}

	delivered, dropped := 0, 0

	for _, s := range subs {
		if err := deliver(s, u); err != nil {
			dropped++
			w.stats.Drop()
			w.log.WithField("error", &DeliveryError{Key: w.key, Subscriber: s.ID(), Err: err}).Debug("delivery failed")
			continue
		}
		delivered++
	}

	w.stats.Value(time.Now(), len(subs))
	w.metrics.Value(delivered, dropped)

	w.log.WithFields(log.Fields{"value": v, "delivered": delivered, "dropped": dropped}).Trace("broadcast")
}

// deliver isolates the loop from a subscriber that panics
func deliver(s Subscriber, u protocol.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in send: %v", r)
		}
	}()
	return s.Send(u)
}
