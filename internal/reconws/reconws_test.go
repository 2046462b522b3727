package reconws

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

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

// echo replies to every message; the first connection is dropped after
// its first message so the client has to reconnect
type echo struct {
	mu      sync.Mutex
	conns   int
	got     []string
	headers []string
}

func (e *echo) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	e.mu.Lock()
	e.conns++
	n := e.conns
	e.headers = append(e.headers, r.Header.Get("Authorization"))
	e.mu.Unlock()

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.got = append(e.got, string(data))
		e.mu.Unlock()
		if err := c.WriteMessage(mt, data); err != nil {
			return
		}
		if n == 1 {
			return
		}
	}
}

func (e *echo) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.got...)
}

func TestDialRejectsBadURL(t *testing.T) {

	r := New()
	ctx := context.Background()

	for _, u := range []string{"", "http://example.com", "ws://user:pass@example.com"} {
		connected, err := r.Dial(ctx, u)
		assert.False(t, connected, u)
		assert.Error(t, err, u)
	}

}

func TestReconnectResendsHello(t *testing.T) {

	e := &echo{}
	ts := httptest.NewServer(e)
	defer ts.Close()

	r := New()
	r.Retry.Min = 10 * time.Millisecond
	r.Retry.Max = 50 * time.Millisecond
	r.Header = http.Header{"Authorization": []string{"Bearer abc"}}
	r.Hello = func() []WsMessage {
		return []WsMessage{{Data: []byte("hello"), Type: websocket.TextMessage}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Reconnect(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"))

	// first connection echoes hello then drops
	select {
	case msg := <-r.In:
		assert.Equal(t, "hello", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("no echo on first connection")
	}

	// second connection sends hello again
	select {
	case msg := <-r.In:
		assert.Equal(t, "hello", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("no echo after reconnect")
	}

	select {
	case r.Out <- WsMessage{Data: []byte("ping"), Type: websocket.TextMessage}:
	case <-time.After(time.Second):
		t.Fatal("could not send")
	}

	select {
	case msg := <-r.In:
		assert.Equal(t, "ping", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("no echo for ping")
	}

	assert.Equal(t, []string{"hello", "hello", "ping"}, e.received())

	e.mu.Lock()
	assert.Equal(t, []string{"Bearer abc", "Bearer abc"}, e.headers)
	e.mu.Unlock()

	require.Eventually(t, func() bool { return len(r.Connections) >= 2 }, time.Second, time.Millisecond)

}
