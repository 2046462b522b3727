package pricewatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/practable/pricewatch/internal/registry"
	"github.com/practable/pricewatch/internal/source/mock"
	"github.com/practable/pricewatch/internal/source/poll"
	"github.com/practable/pricewatch/internal/source/stream"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

// syncBuffer is written by Watch and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestNewSource(t *testing.T) {

	s, err := NewSource(Config{})
	require.NoError(t, err)
	assert.IsType(t, &mock.Source{}, s)

	s, err = NewSource(Config{Source: "poll", URL: "http://127.0.0.1/price/{key}"})
	require.NoError(t, err)
	assert.IsType(t, &poll.Source{}, s)

	s, err = NewSource(Config{Source: "Stream", URL: "ws://127.0.0.1/stream/{key}"})
	require.NoError(t, err)
	assert.IsType(t, &stream.Source{}, s)

	_, err = NewSource(Config{Source: "poll"})
	assert.Error(t, err)

	_, err = NewSource(Config{Source: "stream"})
	assert.Error(t, err)

	_, err = NewSource(Config{Source: "carrier-pigeon"})
	assert.Error(t, err)

}

func TestRegistryConfig(t *testing.T) {

	rc, err := registryConfig(Config{FailureThreshold: 7})
	require.NoError(t, err)

	d := registry.NewDefaultConfig()
	assert.Equal(t, 7, rc.FailureThreshold)
	assert.Equal(t, d.AcquireTimeout, rc.AcquireTimeout)
	assert.Equal(t, d.ShutdownTimeout, rc.ShutdownTimeout)

	rc, err = registryConfig(Config{AcquireTimeout: time.Second, ShutdownTimeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, rc.AcquireTimeout)
	assert.Equal(t, 2*time.Second, rc.ShutdownTimeout)
	assert.Equal(t, d.FailureThreshold, rc.FailureThreshold)

}

func TestRunBadSource(t *testing.T) {

	var wg sync.WaitGroup
	wg.Add(1)

	err := Run(make(chan struct{}), &wg, Config{Source: "nope"})
	assert.Error(t, err)

	// Done was called
	wg.Wait()

}

func TestRunAndWatch(t *testing.T) {

	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	config := Config{
		Port:     port,
		Source:   "mock",
		Interval: 10 * time.Millisecond,
		Seed:     1,
		Unknown:  []string{"BADTICKER"},
	}

	closed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	errs := make(chan error, 1)
	go func() {
		errs <- Run(closed, &wg, config)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	out := &syncBuffer{}
	watched := make(chan error, 1)
	go func() {
		watched <- Watch(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), "", []string{"btcusd", "BADTICKER", "ethusd"}, out)
	}()

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, l := range out.lines() {
			seen[strings.Fields(l)[0]] = true
		}
		return seen["BTCUSD"] && seen["ETHUSD"]
	}, 2*time.Second, 10*time.Millisecond)

	for _, l := range out.lines() {
		f := strings.Fields(l)
		require.Len(t, f, 2)
		assert.NotEqual(t, "BADTICKER", f[0])
		_, err := strconv.ParseFloat(f[1], 64)
		assert.NoError(t, err)
	}

	cancel()

	select {
	case err := <-watched:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}

	close(closed)

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}

	wg.Wait()

}

func TestWatchNeedsKeys(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "ws://127.0.0.1:1/ws", "", nil, &syncBuffer{}))
}
