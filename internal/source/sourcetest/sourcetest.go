// Package sourcetest provides a scriptable source.Source for tests of the
// watcher, registry and session packages.
package sourcetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/practable/pricewatch/internal/source"
)

// ErrUnknownKey is returned (wrapped) by Open for keys marked with Fail
var ErrUnknownKey = errors.New("unknown key")

// Source records every Open, and hands out Handles that tests drive with
// Push and PushErr.
type Source struct {
	mu      sync.Mutex
	fail    map[string]error
	gate    chan struct{}
	opens   map[string]int
	handles map[string][]*Handle
	opened  chan *Handle
}

// New returns a Source that opens every key successfully and immediately
func New() *Source {
	return &Source{
		fail:    make(map[string]error),
		opens:   make(map[string]int),
		handles: make(map[string][]*Handle),
		opened:  make(chan *Handle, 64),
	}
}

// Fail makes Open fail for key. A nil err uses ErrUnknownKey.
func (s *Source) Fail(key string, err error) {
	if err == nil {
		err = ErrUnknownKey
	}
	s.mu.Lock()
	s.fail[key] = err
	s.mu.Unlock()
}

// Succeed undoes Fail for key
func (s *Source) Succeed(key string) {
	s.mu.Lock()
	delete(s.fail, key)
	s.mu.Unlock()
}

// Block makes subsequent Opens wait until the returned release func is
// called, so tests can pile up concurrent subscribers on one acquisition.
func (s *Source) Block() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Open implements source.Source
func (s *Source) Open(ctx context.Context, key string) (source.Handle, error) {

	s.mu.Lock()
	s.opens[key]++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, source.Acquisition(key, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.fail[key]; ok {
		return nil, source.Acquisition(key, err)
	}

	h := &Handle{
		Key:    key,
		values: make(chan result),
		closed: make(chan struct{}),
	}
	s.handles[key] = append(s.handles[key], h)

	select {
	case s.opened <- h:
	default:
	}

	return h, nil
}

// Opens returns how many times Open has been called for key
func (s *Source) Opens(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[key]
}

// Handles returns every handle successfully opened for key, oldest first
func (s *Source) Handles(key string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles[key]...)
}

// Latest returns the most recently opened handle for key, or nil
func (s *Source) Latest(key string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.handles[key]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Opened delivers each handle as it is opened
func (s *Source) Opened() <-chan *Handle {
	return s.opened
}

type result struct {
	value string
	err   error
}

// Handle is a source.Handle whose values are supplied by the test
type Handle struct {
	Key    string
	values chan result
	closed chan struct{}
	once   sync.Once
	closes int32
}

// Push hands value to the reader of Next, returning false if nobody read it
// within a second or the handle was closed.
func (h *Handle) Push(value string) bool {
	return h.push(result{value: value})
}

// PushErr makes the next call to Next return err
func (h *Handle) PushErr(err error) bool {
	return h.push(result{err: err})
}

func (h *Handle) push(r result) bool {
	select {
	case h.values <- r:
		return true
	case <-h.closed:
		return false
	case <-time.After(time.Second):
		return false
	}
}

// Next implements source.Handle
func (h *Handle) Next(ctx context.Context) (string, error) {
	select {
	case r := <-h.values:
		return r.value, r.err
	case <-h.closed:
		return "", source.ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements source.Handle
func (h *Handle) Close() error {
	atomic.AddInt32(&h.closes, 1)
	h.once.Do(func() { close(h.closed) })
	return nil
}

// Closed reports whether Close has been called
func (h *Handle) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the handle is closed
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// Closes returns the number of calls to Close
func (h *Handle) Closes() int {
	return int(atomic.LoadInt32(&h.closes))
}
