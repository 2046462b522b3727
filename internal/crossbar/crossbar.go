// Package crossbar serves pricewatch to websocket clients. Each connection
// becomes a Client that the session router can subscribe to keys; updates
// from watchers reach the client through a buffered send channel, and the
// client's subscribe/unsubscribe messages go to the router.
package crossbar

import (
	"sync"
)

// Crossbar creates and runs a new crossbar instance, returning once closed
// is closed and the http server has shut down
func Crossbar(config Config, closed <-chan struct{}, parentwg *sync.WaitGroup) {

	var wg sync.WaitGroup

	hub := newHub()

	go hub.run(closed)

	wg.Add(1)

	go handleConnections(closed, &wg, hub, config)

	wg.Wait()

	parentwg.Done()

}
