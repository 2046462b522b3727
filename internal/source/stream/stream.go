package stream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/practable/pricewatch/internal/source"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound means the upstream refused the key
var ErrNotFound = errors.New("not found")

// Config configures a stream source
type Config struct {
	// URL of the upstream, with {key} replaced by the (escaped) key,
	// e.g. ws://127.0.0.1:8090/stream/{key}
	URL string

	// Field is the name of the JSON field holding the value in each message
	Field string

	// Retry controls redialling while the acquisition deadline allows
	Retry RetryConfig

	// ReadTimeout, if non-zero, ends the stream when the upstream has been
	// silent (no messages, no pings) for this long
	ReadTimeout time.Duration

	// Buffer is the number of values queued ahead of the reader
	Buffer int
}

// RetryConfig follows jpillora/backoff
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// Source opens stream handles
type Source struct {
	config Config
	dialer *websocket.Dialer
}

// New returns a stream Source, filling in defaults for zero values
func New(config Config) *Source {

	if config.Field == "" {
		config.Field = "price"
	}
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if config.Retry.Factor == 0 {
		config.Retry = RetryConfig{Factor: 2, Min: 100 * time.Millisecond, Max: 2 * time.Second}
	}

	return &Source{
		config: config,
		dialer: websocket.DefaultDialer,
	}
}

func (s *Source) url(key string) string {
	return strings.ReplaceAll(s.config.URL, "{key}", url.PathEscape(key))
}

// Open dials the upstream for key, retrying with backoff until ctx is done.
// A 404 from the upstream is final; other failures are retried.
func (s *Source) Open(ctx context.Context, key string) (source.Handle, error) {

	urlStr := s.url(key)

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, source.Acquisition(key, err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, source.Acquisition(key, errors.New("url needs to start with ws or wss"))
	}

	boff := &backoff.Backoff{
		Min:    s.config.Retry.Min,
		Max:    s.config.Retry.Max,
		Factor: s.config.Retry.Factor,
		Jitter: s.config.Retry.Jitter,
	}

	for {

		c, resp, err := s.dialer.DialContext(ctx, urlStr, nil)

		if err == nil {
			log.WithFields(log.Fields{"key": key, "to": u.String()}).Debug("stream source connected")
			return s.newHandle(key, c), nil
		}

		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, source.Acquisition(key, ErrNotFound)
		}

		d := boff.Duration()

		log.WithFields(log.Fields{"key": key, "error": err, "retry": d}).Debug("stream source dial failed")

		select {
		case <-ctx.Done():
			return nil, source.Acquisition(key, err)
		case <-time.After(d):
		}
	}
}

func (s *Source) newHandle(key string, c *websocket.Conn) *Handle {

	h := &Handle{
		key:    key,
		conn:   c,
		field:  s.config.Field,
		values: make(chan result, s.config.Buffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go h.readPump(s.config.ReadTimeout)

	return h
}

type result struct {
	value string
	err   error
}

// Handle reads one upstream websocket
type Handle struct {
	key    string
	conn   *websocket.Conn
	field  string
	values chan result
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

// readPump forwards every upstream message, in order, until the connection
// fails or the handle is closed. The final error is queued after the values
// that preceded it.
func (h *Handle) readPump(timeout time.Duration) {

	defer close(h.done)

	// extend pushes the read deadline on, if there is one
	extend := func() error {
		if timeout <= 0 {
			return nil
		}
		return h.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	if err := extend(); err != nil {
		log.WithFields(log.Fields{"key": h.key, "error": err}).Error("stream read deadline error")
		h.fail(source.Terminal(h.key, err))
		return
	}

	if timeout > 0 {
		h.conn.SetPingHandler(func(data string) error {
			if err := extend(); err != nil {
				return err
			}
			return h.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	for {
		_, data, err := h.conn.ReadMessage()

		var r result

		if err != nil {
			select {
			case <-h.closed:
				return // we closed it
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.err = source.ErrEndOfStream
			} else {
				r.err = source.Terminal(h.key, err)
			}
		} else if err = extend(); err != nil {
			log.WithFields(log.Fields{"key": h.key, "error": err}).Error("stream read deadline error")
			r.err = source.Terminal(h.key, err)
		} else {
			r.value, r.err = source.ExtractField(data, h.field)
		}

		select {
		case h.values <- r:
		case <-h.closed:
			return
		}

		if err != nil {
			return
		}
	}
}

// fail queues a final error, unless the handle is being closed
func (h *Handle) fail(err error) {
	select {
	case h.values <- result{err: err}:
	case <-h.closed:
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

// Close sends a close frame and waits for the read pump to finish
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		close(h.closed)
		werr := h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if werr != nil {
			// expected if the upstream has already gone
			log.WithFields(log.Fields{"key": h.key, "error": werr}).Debug("stream close frame not sent")
		}
		err = h.conn.Close()
		<-h.done
	})
	return err
}
