package crossbar

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Hub maintains the set of connected clients, for reporting.
// Message routing is done by the session router, not here.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	mu *sync.RWMutex

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client
}

func newHub() *Hub {
	return &Hub{
		mu:         &sync.RWMutex{},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) run(closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.WithField("client", client.name).Trace("hub registered client")
		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			log.WithField("client", client.name).Trace("hub unregistered client")
		}
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Reports returns a report for every connected client, sorted by name
func (h *Hub) Reports() []*ClientReport {

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	reports := make([]*ClientReport, 0, len(clients))
	for _, c := range clients {
		reports = append(reports, c.NewReport())
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Name < reports[j].Name
	})

	return reports
}
