// Package poll implements a source that fetches a JSON quote over HTTP on a
// fixed interval. It suits upstreams that offer no push interface.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/practable/pricewatch/internal/source"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound means the upstream does not know the key
var ErrNotFound = errors.New("not found")

// maxBody bounds how much of a quote response we read
const maxBody = 64 * 1024

// Config configures a poll source
type Config struct {
	// URL is the quote endpoint, with {key} replaced by the (escaped) key,
	// e.g. http://127.0.0.1:8090/price/{key}
	URL string

	// Field is the name of the JSON field holding the value
	Field string

	// Interval between fetches
	Interval time.Duration

	// Timeout for each request
	Timeout time.Duration
}

// Source opens poll handles
type Source struct {
	config Config
	client *http.Client
}

// New returns a poll Source, filling in defaults for zero values
func New(config Config) *Source {

	if config.Field == "" {
		config.Field = "price"
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Source{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (s *Source) url(key string) string {
	return strings.ReplaceAll(s.config.URL, "{key}", url.PathEscape(key))
}

// Open probes the quote endpoint once, so that unknown keys and unreachable
// upstreams fail acquisition rather than producing a watcher that never
// delivers anything.
func (s *Source) Open(ctx context.Context, key string) (source.Handle, error) {

	h := &Handle{
		key:    key,
		url:    s.url(key),
		field:  s.config.Field,
		client: s.client,
		every:  s.config.Interval,
		closed: make(chan struct{}),
	}

	status, _, err := h.get(ctx)

	if err != nil {
		return nil, source.Acquisition(key, err)
	}

	if status == http.StatusNotFound {
		return nil, source.Acquisition(key, ErrNotFound)
	}

	if status < 200 || status > 299 {
		return nil, source.Acquisition(key, fmt.Errorf("unexpected status %d", status))
	}

	log.WithFields(log.Fields{"key": key, "url": h.url}).Debug("poll source opened")

	return h, nil
}

// Handle polls one key
type Handle struct {
	key    string
	url    string
	field  string
	client *http.Client
	every  time.Duration

	started bool // only touched by the single reader

	closed chan struct{}
	once   sync.Once
}

// Next waits for the next tick (the first call does not wait) and fetches
func (h *Handle) Next(ctx context.Context) (string, error) {

	if h.started {
		t := time.NewTimer(h.every)
		select {
		case <-t.C:
		case <-h.closed:
			t.Stop()
			return "", source.ErrClosed
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	h.started = true

	select {
	case <-h.closed:
		return "", source.ErrClosed
	default:
	}

	status, body, err := h.get(ctx)

	switch {
	case err != nil:
		return "", source.Recoverable(h.key, err)
	case status == http.StatusNotFound, status == http.StatusGone:
		return "", source.Terminal(h.key, ErrNotFound)
	case status < 200 || status > 299:
		return "", source.Recoverable(h.key, fmt.Errorf("unexpected status %d", status))
	}

	return source.ExtractField(body, h.field)
}

// Close implements source.Handle
func (h *Handle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *Handle) get(ctx context.Context) (int, []byte, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}
