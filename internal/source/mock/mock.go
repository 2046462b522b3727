// Package mock provides a simulated price source. It is used by the feed
// simulator, and by pricewatch itself when no upstream is configured.
package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/practable/pricewatch/internal/source"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidKey is returned (wrapped) for keys the generator will not quote
var ErrInvalidKey = errors.New("invalid key")

var validKey = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

// Generator produces a random walk of prices per key
type Generator struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	prices  map[string]float64
	unknown map[string]bool
}

// NewGenerator returns a generator seeded with seed. Keys listed in unknown
// are rejected as though the upstream did not list them.
func NewGenerator(seed int64, unknown ...string) *Generator {
	g := &Generator{
		rnd:     rand.New(rand.NewSource(seed)),
		prices:  make(map[string]float64),
		unknown: make(map[string]bool),
	}
	for _, k := range unknown {
		g.unknown[k] = true
	}
	return g
}

// Valid reports whether the generator quotes key
func (g *Generator) Valid(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return validKey.MatchString(key) && !g.unknown[key]
}

// Next moves the price for key and returns it formatted to two decimal places
func (g *Generator) Next(key string) (string, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	if !validKey.MatchString(key) || g.unknown[key] {
		return "", ErrInvalidKey
	}

	p, ok := g.prices[key]

	if !ok {
		p = startingPrice(key)
	} else {
		p = p * (1 + (g.rnd.Float64()-0.5)*0.002)
	}

	g.prices[key] = p

	return strconv.FormatFloat(p, 'f', 2, 64), nil
}

// startingPrice is deterministic per key so restarts look plausible
func startingPrice(key string) float64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return 10 + float64(h.Sum32()%100000)
}

// Source pushes generated prices on a fixed interval
type Source struct {
	Generator *Generator
	Interval  time.Duration
}

// New returns a Source producing a value for each key every interval,
// or every second if interval is not positive
func New(g *Generator, interval time.Duration) *Source {
	if interval <= 0 {
		interval = time.Second
	}
	return &Source{Generator: g, Interval: interval}
}

// Open implements source.Source
func (s *Source) Open(ctx context.Context, key string) (source.Handle, error) {

	if !s.Generator.Valid(key) {
		return nil, source.Acquisition(key, ErrInvalidKey)
	}

	if err := ctx.Err(); err != nil {
		return nil, source.Acquisition(key, err)
	}

	hctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		key:    key,
		values: make(chan string, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go h.produce(hctx, s.Generator, s.Interval)

	return h, nil
}

// Handle is an open mock acquisition
type Handle struct {
	key    string
	values chan string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *Handle) produce(ctx context.Context, g *Generator, interval time.Duration) {

	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := g.Next(h.key)
			if err != nil {
				log.WithFields(log.Fields{"key": h.key, "error": err}).Error("mock price generation failed")
				return
			}
			select {
			case h.values <- v:
			default:
				log.WithField("key", h.key).Trace("mock value dropped, reader is behind")
			}
		}
	}
}

// Next implements source.Handle
func (h *Handle) Next(ctx context.Context) (string, error) {
	select {
	case v := <-h.values:
		return v, nil
	case <-h.done:
		return "", source.ErrEndOfStream
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements source.Handle
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
	return nil
}
