package watcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/practable/pricewatch/internal/protocol"
	"github.com/practable/pricewatch/internal/source"
	"github.com/practable/pricewatch/internal/source/sourcetest"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var timeout = time.Second

func TestMain(m *testing.M) {

	debug := false

	if debug {
		log.SetLevel(log.TraceLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	} else {
		var ignore bytes.Buffer
		log.SetOutput(bufio.NewWriter(&ignore))
	}

	os.Exit(m.Run())
}

var errFull = errors.New("full")

type sub struct {
	id   string
	ch   chan protocol.Update
	fail bool
	boom bool
}

func newSub(id string) *sub {
	return &sub{id: id, ch: make(chan protocol.Update, 16)}
}

func (s *sub) ID() string { return s.id }

func (s *sub) Send(u protocol.Update) error {
	if s.boom {
		panic("subscriber exploded")
	}
	if s.fail {
		return errFull
	}
	select {
	case s.ch <- u:
		return nil
	default:
		return errFull
	}
}

func (s *sub) expect(t *testing.T, value string) {
	t.Helper()
	select {
	case u := <-s.ch:
		assert.Equal(t, protocol.Update{Key: "BTCUSD", Value: value}, u)
	case <-time.After(timeout):
		t.Fatalf("%s: timeout waiting for %s", s.id, value)
	}
}

func (s *sub) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case u := <-s.ch:
		t.Fatalf("%s: unexpected update %v", s.id, u)
	case <-time.After(20 * time.Millisecond):
	}
}

// started returns an Active watcher on a fresh fake handle
func started(t *testing.T, config Config) (*Watcher, *sourcetest.Handle) {
	t.Helper()
	src := sourcetest.New()
	h, err := src.Open(context.Background(), "BTCUSD")
	require.NoError(t, err)
	w := New("BTCUSD", config, nil)
	require.True(t, w.Start(h))
	t.Cleanup(func() {
		w.Stop()
		<-w.Done()
	})
	return w, h.(*sourcetest.Handle)
}

func waitDone(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatal("timeout waiting for watcher to stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "invalid", State(42).String())
}

func TestNewIsStarting(t *testing.T) {

	w := New("BTCUSD", Config{}, nil)

	assert.Equal(t, Starting, w.State())
	assert.Equal(t, "BTCUSD", w.Key())
	assert.False(t, w.Add(newSub("c1")), "cannot subscribe before acquisition")

	select {
	case <-w.Ready():
		t.Fatal("ready before acquisition")
	default:
	}

}

func TestBroadcastToAll(t *testing.T) {

	w, h := started(t, Config{})

	c1, c2 := newSub("c1"), newSub("c2")

	assert.True(t, w.Add(c1))
	assert.True(t, w.Add(c2))
	assert.True(t, w.Add(c2)) // idempotent
	assert.Equal(t, 2, w.Len())

	require.True(t, h.Push("50000"))

	c1.expect(t, "50000")
	c2.expect(t, "50000")

	assert.True(t, w.Remove("c1"))
	assert.False(t, w.Remove("c1"))

	require.True(t, h.Push("50010"))

	c2.expect(t, "50010")
	c1.expectNothing(t)

}

func TestNoReplayForLateSubscriber(t *testing.T) {

	w, h := started(t, Config{})

	c1, c2 := newSub("c1"), newSub("c2")
	w.Add(c1)

	require.True(t, h.Push("1"))
	c1.expect(t, "1")

	w.Add(c2)

	require.True(t, h.Push("2"))
	c1.expect(t, "2")
	c2.expect(t, "2")
	c2.expectNothing(t)

}

func TestValuesInOrder(t *testing.T) {

	w, h := started(t, Config{})

	c1 := newSub("c1")
	w.Add(c1)

	values := []string{"1", "2", "3", "4", "5"}

	go func() {
		for _, v := range values {
			h.Push(v)
		}
	}()

	for _, v := range values {
		c1.expect(t, v)
	}

}

func TestDeliveryFailureIsIsolated(t *testing.T) {

	w, h := started(t, Config{})

	good := newSub("good")
	full := &sub{id: "full", fail: true}
	boom := &sub{id: "boom", boom: true}

	w.Add(full)
	w.Add(boom)
	w.Add(good)

	require.True(t, h.Push("1"))
	good.expect(t, "1")

	require.True(t, h.Push("2"))
	good.expect(t, "2")

	assert.Equal(t, Active, w.State())

	// the second value's stats are recorded after delivery
	assert.Eventually(t, func() bool {
		return w.Stats().NewReport().Dropped == 4
	}, timeout, time.Millisecond)

}

func TestEmptyValueIsSkipped(t *testing.T) {

	w, h := started(t, Config{FailureThreshold: 1})

	c1 := newSub("c1")
	w.Add(c1)

	for i := 0; i < 5; i++ {
		require.True(t, h.PushErr(source.ErrEmptyValue))
	}
	require.True(t, h.Push("1"))

	c1.expect(t, "1")
	assert.Equal(t, Active, w.State())
	assert.Equal(t, uint64(5), w.Stats().NewReport().Empty)

}

func TestTerminalFault(t *testing.T) {

	w, h := started(t, Config{})

	faulted := make(chan error, 1)
	w.OnFault(func(fw *Watcher, err error) {
		assert.Same(t, w, fw)
		assert.Equal(t, Stopping, fw.State())
		faulted <- err
	})

	c1 := newSub("c1")
	w.Add(c1)

	boom := errors.New("session closed")
	require.True(t, h.PushErr(source.Terminal("BTCUSD", boom)))

	select {
	case err := <-faulted:
		assert.ErrorIs(t, err, boom)
	case <-time.After(timeout):
		t.Fatal("fault not reported")
	}

	waitDone(t, w)

	assert.Equal(t, Stopped, w.State())
	assert.True(t, h.Closed())
	assert.Equal(t, 1, h.Closes())
	assert.ErrorIs(t, w.Err(), boom)
	assert.False(t, w.Add(newSub("c2")))

}

func TestEndOfStreamIsTerminal(t *testing.T) {

	w, h := started(t, Config{})

	require.True(t, h.PushErr(source.ErrEndOfStream))

	waitDone(t, w)

	assert.ErrorIs(t, w.Err(), source.ErrEndOfStream)
	assert.True(t, h.Closed())

}

func TestConsecutiveFailures(t *testing.T) {

	w, h := started(t, Config{FailureThreshold: 3})

	var mu sync.Mutex
	var fault error
	w.OnFault(func(_ *Watcher, err error) {
		mu.Lock()
		fault = err
		mu.Unlock()
	})

	c1 := newSub("c1")
	w.Add(c1)

	flaky := source.Recoverable("BTCUSD", errors.New("timeout"))

	require.True(t, h.PushErr(flaky))
	require.True(t, h.PushErr(flaky))
	require.True(t, h.Push("1")) // resets the count
	c1.expect(t, "1")

	require.True(t, h.PushErr(flaky))
	require.True(t, h.PushErr(flaky))
	assert.Equal(t, Active, w.State())
	require.True(t, h.PushErr(flaky))

	waitDone(t, w)

	mu.Lock()
	assert.ErrorIs(t, fault, flaky)
	mu.Unlock()
	assert.True(t, h.Closed())

}

func TestStopReleasesHandle(t *testing.T) {

	w, h := started(t, Config{})

	c1 := newSub("c1")
	w.Add(c1)

	w.Stop()
	w.Stop() // idempotent

	waitDone(t, w)

	assert.Equal(t, Stopped, w.State())
	assert.True(t, h.Closed())
	assert.Equal(t, 1, h.Closes())
	assert.NoError(t, w.Err())

	// in-flight or later values go nowhere
	assert.False(t, h.Push("late"))
	c1.expectNothing(t)

}

func TestStopWhileStarting(t *testing.T) {

	src := sourcetest.New()

	w := New("BTCUSD", Config{}, nil)
	w.Stop()
	assert.Equal(t, Stopping, w.State())

	h, err := src.Open(context.Background(), "BTCUSD")
	require.NoError(t, err)

	assert.False(t, w.Start(h))

	waitDone(t, w)

	assert.Equal(t, Stopped, w.State())
	assert.ErrorIs(t, w.Err(), ErrRetired)
	assert.True(t, h.(*sourcetest.Handle).Closed())

	select {
	case <-w.Ready():
	default:
		t.Fatal("ready not closed")
	}

}

func TestFail(t *testing.T) {

	w := New("BADTICKER", Config{}, nil)

	boom := source.Acquisition("BADTICKER", sourcetest.ErrUnknownKey)
	w.Fail(boom)

	waitDone(t, w)

	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, boom, w.Err())
	assert.False(t, w.Add(newSub("c1")))

	w.Fail(boom) // no double close
	w.Stop()

}

func TestReport(t *testing.T) {

	w, h := started(t, Config{})

	c1 := newSub("c1")
	w.Add(c1)

	require.True(t, h.Push("1"))
	c1.expect(t, "1")

	assert.Eventually(t, func() bool {
		return w.Stats().Count() == 1
	}, timeout, time.Millisecond)

	r := w.NewReport()
	assert.Equal(t, "BTCUSD", r.Key)
	assert.Equal(t, "active", r.State)
	assert.Equal(t, 1, r.Subscribers)
	assert.Equal(t, uint64(1), r.Stats.Audience.Count)

}

func TestDeliveryErrorMessage(t *testing.T) {

	err := &DeliveryError{Key: "BTCUSD", Subscriber: "c1", Err: errFull}

	assert.Equal(t, "deliver BTCUSD to c1: full", err.Error())
	assert.ErrorIs(t, err, errFull)

}
