package crossbar

import (
	"errors"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/gorilla/websocket"
	"github.com/practable/pricewatch/internal/metrics"
	"github.com/practable/pricewatch/internal/registry"
	"github.com/practable/pricewatch/internal/session"
)

var (
	// ErrSlowClient is returned by Send when the client's buffer is full
	ErrSlowClient = errors.New("client send buffer full")

	// ErrClientGone is returned by Send after the connection has closed
	ErrClientGone = errors.New("client connection closed")
)

// Config represents configuration options for a crossbar instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the listening port
	Listen int

	// Audience must match the audience in tokens
	Audience string

	// Secret validates tokens. Leave empty to allow all connections.
	Secret string

	// SendBuffer is the number of updates queued per client before
	// further updates are dropped
	SendBuffer int

	// MaxConnections caps concurrent TCP connections; zero for no limit
	MaxConnections int

	// Router handles client intents
	Router *session.Router

	// Registry is reported on at /api/watchers
	Registry *registry.Registry

	// Metrics is served at /metrics; may be nil
	Metrics *metrics.Metrics
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	c := &Config{}
	c.Listen = 3000
	c.SendBuffer = 256
	return c
}

// WithListen specified which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithAudience specifies the audience for the tokens
func (c *Config) WithAudience(audience string) *Config {
	c.Audience = audience
	return c
}

// WithSecret specifies the secret for the tokens
func (c *Config) WithSecret(secret string) *Config {
	c.Secret = secret
	return c
}

// WithMaxConnections caps the number of concurrent connections
func (c *Config) WithMaxConnections(n int) *Config {
	c.MaxConnections = n
	return c
}

// WithRouter sets the router and the registry behind it
func (c *Config) WithRouter(router *session.Router, reg *registry.Registry) *Config {
	c.Router = router
	c.Registry = reg
	return c
}

// WithMetrics sets the metrics to serve
func (c *Config) WithMetrics(m *metrics.Metrics) *Config {
	c.Metrics = m
	return c
}

// Client is a middleperson between the websocket connection and the router.
type Client struct {
	hub *Hub

	router *session.Router

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound updates, already encoded.
	send chan []byte

	// closed when the read side has finished
	done chan struct{}

	stats *Stats

	name string

	userAgent string

	remoteAddr string
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx ReportStats `json:"tx"`
	Rx ReportStats `json:"rx"`
}

// ReportStats represents statistics about what has been sent/received
type ReportStats struct {
	Last string `json:"last"` //how many seconds ago...

	Size float64 `json:"size"`

	Fps float64 `json:"fps"`

	Count uint64 `json:"count"`
}

// ClientReport represents information about a client's connection,
// subscriptions, and statistics
type ClientReport struct {
	Name string `json:"name"`

	Subscriptions []string `json:"subscriptions"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Dropped uint64 `json:"dropped"`

	Stats RxTx `json:"stats"`
}

// Stats represents statistics for a connection
type Stats struct {
	connectedAt time.Time

	rx *Frames

	tx *Frames

	mu sync.Mutex

	dropped uint64
}

// Frames represents statistics on messages sent over a connection
type Frames struct {
	last time.Time

	size *welford.Stats

	ns *welford.Stats

	mu *sync.RWMutex
}
