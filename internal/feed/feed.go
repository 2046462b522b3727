// Package feed serves simulated prices over HTTP (one quote per request)
// and websocket (a quote per interval), in the shapes the poll and stream
// sources expect. Keys the generator does not know get a 404.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
	"github.com/practable/pricewatch/internal/protocol"
	"github.com/practable/pricewatch/internal/source/mock"
	log "github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// Specification holds the simulator's options, read from FEED_<var>
type Specification struct {
	Port       int      `default:"8090"`
	IntervalMs int      `split_words:"true" default:"1000"`
	Seed       int64    `default:"1"`
	Unknown    []string `default:"BADTICKER"`
	Field      string   `default:"price"`
	LogLevel   string   `split_words:"true" default:"INFO"`
}

// FromEnv loads a Specification from FEED_* environment variables
func FromEnv() (Specification, error) {
	var s Specification
	err := envconfig.Process("feed", &s)
	return s, err
}

func (s Specification) interval() time.Duration {
	if s.IntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(s.IntervalMs) * time.Millisecond
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed runs the simulator until closed is closed
func Feed(closed <-chan struct{}, parentwg *sync.WaitGroup, spec Specification) {

	defer parentwg.Done()

	g := mock.NewGenerator(spec.Seed, spec.Unknown...)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", spec.Port),
		Handler: NewRouter(closed, g, spec),
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err).Error("feed http.ListenAndServe")
		}
	}()

	log.WithFields(log.Fields{"port": spec.Port, "interval": spec.interval()}).Info("feed listening")

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Warn("feed did not shut down gracefully")
	}
}

// NewRouter returns the simulator's routes, quoting from g
func NewRouter(closed <-chan struct{}, g *mock.Generator, spec Specification) *mux.Router {

	if spec.Field == "" {
		spec.Field = "price"
	}

	router := mux.NewRouter()

	router.HandleFunc(`/price/{key:[a-zA-Z0-9]+}`, func(w http.ResponseWriter, r *http.Request) {
		handlePrice(g, spec, w, r)
	}).Methods("GET")

	router.HandleFunc(`/stream/{key:[a-zA-Z0-9]+}`, func(w http.ResponseWriter, r *http.Request) {
		handleStream(closed, g, spec, w, r)
	})

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	return router
}

func quote(g *mock.Generator, field, key string) ([]byte, error) {

	v, err := g.Next(key)
	if err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf(`{"key":%q,%q:%q}`, key, field, v)), nil
}

func handlePrice(g *mock.Generator, spec Specification, w http.ResponseWriter, r *http.Request) {

	key := protocol.NormalizeKey(mux.Vars(r)["key"])

	b, err := quote(g, spec.Field, key)

	if err != nil {
		log.WithField("key", key).Debug("feed: unknown key")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func handleStream(closed <-chan struct{}, g *mock.Generator, spec Specification, w http.ResponseWriter, r *http.Request) {

	key := protocol.NormalizeKey(mux.Vars(r)["key"])

	if !g.Valid(key) {
		log.WithField("key", key).Debug("feed: unknown key")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("feed failed to upgrade to websocket")
		return
	}
	defer conn.Close()

	lf := log.Fields{"key": key, "remoteAddr": r.RemoteAddr}

	log.WithFields(lf).Info("feed stream opened")

	// the reader notices the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(spec.interval())
	defer ticker.Stop()

	for {
		select {

		case <-ticker.C:
			b, err := quote(g, spec.Field, key)
			if err != nil {
				log.WithFields(lf).WithField("error", err).Error("feed quote failed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.WithFields(lf).WithField("error", err).Debug("feed write failed")
				return
			}

		case <-gone:
			log.WithFields(lf).Info("feed stream closed by peer")
			return

		case <-closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
