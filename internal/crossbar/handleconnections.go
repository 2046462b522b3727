package crossbar

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

func handleConnections(closed <-chan struct{}, parentwg *sync.WaitGroup, hub *Hub, config Config) {

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Listen),
		Handler: newRouter(closed, hub, config),
	}

	l, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.WithField("error", err).Error("crossbar cannot listen")
		parentwg.Done()
		return
	}

	if config.MaxConnections > 0 {
		l = netutil.LimitListener(l, config.MaxConnections)
	}

	go func() {
		// returns ErrServerClosed on graceful close
		if err := srv.Serve(l); err != http.ErrServerClosed {
			log.WithField("error", err).Error("http.Serve")
		}
		log.Debug("Exiting http.Server")
	}()

	log.WithFields(log.Fields{"port": config.Listen, "maxConnections": config.MaxConnections}).Info("crossbar listening")

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Warn("http.Server did not shut down gracefully")
	}

	parentwg.Done()
}

func newRouter(closed <-chan struct{}, hub *Hub, config Config) *mux.Router {

	router := mux.NewRouter()

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(closed, hub, w, r, config)
	})

	router.HandleFunc("/api/watchers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, config.Registry.Reports())
	}).Methods("GET")

	router.HandleFunc("/api/clients", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.Reports())
	}).Methods("GET")

	router.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, newStatus(r.Context(), hub, config))
	}).Methods("GET")

	router.Handle("/metrics", config.Metrics.Handler()).Methods("GET")

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	return router
}
