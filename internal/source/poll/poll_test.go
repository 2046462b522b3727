package poll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/practable/pricewatch/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quotes is a scriptable upstream: each key maps to a queue of
// (status, body) responses, the last of which repeats.
type quotes struct {
	mu        sync.Mutex
	responses map[string][]response
}

type response struct {
	status int
	body   string
}

func (q *quotes) set(key string, rs ...response) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses[key] = rs
}

func (q *quotes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/price/")
	q.mu.Lock()
	rs, ok := q.responses[key]
	var resp response
	if ok && len(rs) > 0 {
		resp = rs[0]
		if len(rs) > 1 {
			q.responses[key] = rs[1:]
		}
	}
	q.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(resp.status)
	w.Write([]byte(resp.body))
}

func newUpstream(t *testing.T) (*quotes, *httptest.Server) {
	q := &quotes{responses: make(map[string][]response)}
	ts := httptest.NewServer(q)
	t.Cleanup(ts.Close)
	return q, ts
}

func TestOpenUnknownKey(t *testing.T) {

	_, ts := newUpstream(t)

	s := New(Config{URL: ts.URL + "/price/{key}", Interval: time.Millisecond})

	_, err := s.Open(context.Background(), "BADTICKER")

	assert.True(t, source.IsAcquisition(err))
	assert.ErrorIs(t, err, ErrNotFound)

}

func TestOpenUnreachable(t *testing.T) {

	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	s := New(Config{URL: url + "/price/{key}", Timeout: 100 * time.Millisecond})

	_, err := s.Open(context.Background(), "BTCUSD")

	assert.True(t, source.IsAcquisition(err))

}

func TestNextValues(t *testing.T) {

	q, ts := newUpstream(t)

	q.set("BTCUSD",
		response{http.StatusOK, `{"price":"50000"}`}, // consumed by Open
		response{http.StatusOK, `{"price":"50000"}`},
		response{http.StatusOK, `{"price":50010.5}`},
		response{http.StatusOK, `{"other":"x"}`},
		response{http.StatusOK, `<html>`},
		response{http.StatusOK, `{"price":"  "}`},
		response{http.StatusInternalServerError, `oops`},
		response{http.StatusNotFound, ``},
	)

	s := New(Config{URL: ts.URL + "/price/{key}", Interval: time.Millisecond})

	h, err := s.Open(context.Background(), "BTCUSD")
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := h.Next(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "50000", v)

	v, err = h.Next(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "50010.5", v)

	for i := 0; i < 3; i++ {
		_, err = h.Next(ctx)
		assert.ErrorIs(t, err, source.ErrEmptyValue)
		assert.False(t, source.IsTerminal(err))
	}

	_, err = h.Next(ctx)
	assert.Error(t, err)
	assert.False(t, source.IsTerminal(err))

	_, err = h.Next(ctx)
	assert.True(t, source.IsTerminal(err))

}

func TestNextWaitsForInterval(t *testing.T) {

	q, ts := newUpstream(t)
	q.set("ETHUSD", response{http.StatusOK, `{"last":"3000"}`})

	s := New(Config{URL: ts.URL + "/price/{key}", Field: "last", Interval: 50 * time.Millisecond})

	h, err := s.Open(context.Background(), "ETHUSD")
	require.NoError(t, err)

	ctx := context.Background()

	start := time.Now()
	v, err := h.Next(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "3000", v)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	_, err = h.Next(ctx)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())

	_, err = h.Next(ctx)
	assert.True(t, errors.Is(err, source.ErrClosed))

}

func TestNextCancelled(t *testing.T) {

	q, ts := newUpstream(t)
	q.set("ETHUSD", response{http.StatusOK, `{"price":"3000"}`})

	s := New(Config{URL: ts.URL + "/price/{key}", Interval: time.Hour})

	h, err := s.Open(context.Background(), "ETHUSD")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

}
