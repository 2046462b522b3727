// Package pricewatch wires a data source, the watcher registry, the
// session router and the websocket crossbar into one running service.
package pricewatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/practable/pricewatch/internal/crossbar"
	"github.com/practable/pricewatch/internal/metrics"
	"github.com/practable/pricewatch/internal/registry"
	"github.com/practable/pricewatch/internal/session"
	"github.com/practable/pricewatch/internal/source"
	"github.com/practable/pricewatch/internal/source/mock"
	"github.com/practable/pricewatch/internal/source/poll"
	"github.com/practable/pricewatch/internal/source/stream"
	log "github.com/sirupsen/logrus"
)

// Config represents the options for a pricewatch service
type Config struct {
	Port     int
	Audience string
	Secret   string

	// Source is one of mock, poll or stream
	Source string

	// URL is the upstream template for poll and stream, with {key}
	URL string

	// Field names the price in upstream JSON
	Field string

	// Interval is the mock tick or the poll period
	Interval time.Duration

	// Seed and Unknown configure the mock generator
	Seed    int64
	Unknown []string

	SendBuffer     int
	MaxConnections int

	// copied onto registry.Config where set
	AcquireTimeout   time.Duration
	FailureThreshold int
	ShutdownTimeout  time.Duration
}

// NewSource builds the data source that config names
func NewSource(config Config) (source.Source, error) {

	switch strings.ToLower(config.Source) {

	case "", "mock":
		return mock.New(mock.NewGenerator(config.Seed, config.Unknown...), config.Interval), nil

	case "poll":
		if config.URL == "" {
			return nil, fmt.Errorf("poll source needs a url")
		}
		return poll.New(poll.Config{
			URL:      config.URL,
			Field:    config.Field,
			Interval: config.Interval,
		}), nil

	case "stream":
		if config.URL == "" {
			return nil, fmt.Errorf("stream source needs a url")
		}
		return stream.New(stream.Config{
			URL:   config.URL,
			Field: config.Field,
		}), nil

	default:
		return nil, fmt.Errorf("unknown source %q, expected mock, poll or stream", config.Source)
	}
}

// registryConfig overrides the registry defaults with whatever config sets
func registryConfig(config Config) (registry.Config, error) {
	rc := registry.NewDefaultConfig()
	err := copier.CopyWithOption(&rc, &config, copier.Option{IgnoreEmpty: true})
	return rc, err
}

// Run serves pricewatch until closed is closed, then releases every
// upstream handle before signalling parentwg
func Run(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) error {

	defer parentwg.Done()

	src, err := NewSource(config)
	if err != nil {
		return err
	}

	m := metrics.New()

	rc, err := registryConfig(config)
	if err != nil {
		return err
	}

	reg := registry.New(src, rc, m)
	router := session.New(reg, m)

	cc := crossbar.NewDefaultConfig().
		WithListen(config.Port).
		WithAudience(config.Audience).
		WithSecret(config.Secret).
		WithRouter(router, reg).
		WithMetrics(m).
		WithMaxConnections(config.MaxConnections)

	if config.SendBuffer > 0 {
		cc.SendBuffer = config.SendBuffer
	}

	log.WithFields(log.Fields{
		"port":   config.Port,
		"source": config.Source,
		"url":    config.URL,
		"auth":   config.Secret != "",
	}).Info("pricewatch starting")

	var wg sync.WaitGroup
	wg.Add(1)
	go crossbar.Crossbar(*cc, closed, &wg)

	<-closed

	// stop taking connections before releasing upstreams
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), rc.ShutdownTimeout)
	defer cancel()

	if err := reg.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("pricewatch shutdown incomplete")
		return err
	}

	log.Trace("pricewatch done")

	return nil
}
