package crossbar

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/practable/pricewatch/internal/permission"
	"github.com/practable/pricewatch/internal/protocol"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Intents are tiny.
	maxMessageSize = 4096
)

// TODO restrict CheckOrigin once the dashboard origin is configurable
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs handles websocket requests from clients.
func serveWs(closed <-chan struct{}, hub *Hub, w http.ResponseWriter, r *http.Request, config Config) {

	// cancelled is closed when the client's token expires
	cancelled := make(chan struct{})

	var expiresAt time.Time

	if config.Secret != "" {

		token, err := permission.Parse(bearerFrom(r), config.Secret, config.Audience)

		if err != nil {
			log.WithField("error", err).Info("Unauthorized - invalid token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !token.HasScope(permission.ScopeRead) {
			log.WithField("scopes", token.Scopes).Info("Unauthorized - no read scope")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		expiresAt = token.ExpiresAt.Time
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	size := config.SendBuffer
	if size <= 0 {
		size = 256
	}

	client := &Client{
		hub:        hub,
		router:     config.Router,
		conn:       conn,
		send:       make(chan []byte, size),
		done:       make(chan struct{}),
		stats:      &Stats{connectedAt: time.Now(), rx: newFrames(), tx: newFrames()},
		name:       uuid.New().String(),
		userAgent:  r.UserAgent(),
		remoteAddr: r.Header.Get("X-Forwarded-For"),
	}

	if client.remoteAddr == "" {
		client.remoteAddr = r.RemoteAddr
	}

	select {
	case hub.register <- client:
	case <-closed:
		conn.Close()
		return
	}

	client.router.Connect(client)

	if !expiresAt.IsZero() {
		go func() {
			select {
			case <-time.After(time.Until(expiresAt)):
				close(cancelled)
			case <-client.done:
			case <-closed:
			}
		}()
	}

	log.WithFields(log.Fields{"client": client.name, "remoteAddr": client.remoteAddr}).Info("client connected")

	go client.writePump(closed, cancelled)
	go client.readPump(closed)
}

// ID implements watcher.Subscriber
func (c *Client) ID() string {
	return c.name
}

// Send implements watcher.Subscriber. It never blocks: if the client is not
// keeping up, the update is dropped and ErrSlowClient returned.
func (c *Client) Send(u protocol.Update) error {

	b, err := protocol.Encode(u)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientGone
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		c.stats.mu.Lock()
		c.stats.dropped++
		c.stats.mu.Unlock()
		return ErrSlowClient
	}
}

// NewReport returns a snapshot of the client's status
func (c *Client) NewReport() *ClientReport {

	c.stats.mu.Lock()
	dropped := c.stats.dropped
	c.stats.mu.Unlock()

	return &ClientReport{
		Name:          c.name,
		Subscriptions: c.router.Subscriptions(c),
		Connected:     c.stats.connectedAt.String(),
		RemoteAddr:    c.remoteAddr,
		UserAgent:     c.userAgent,
		Dropped:       dropped,
		Stats: RxTx{
			Tx: c.stats.tx.report(),
			Rx: c.stats.rx.report(),
		},
	}
}
