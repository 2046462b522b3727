package crossbar

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// readPump pumps intents from the websocket connection to the router.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine. Intents are dispatched to the router in the
// order they arrive; waiting for an acquisition happens on another goroutine
// so that a slow key does not hold up the others.
func (c *Client) readPump(closed <-chan struct{}) {

	// cancelled when the connection goes, so pending subscribes stop waiting
	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		c.router.Disconnect(c)
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-closed:
		}
		c.conn.Close()
		log.WithField("client", c.name).Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{"client": c.name, "error": err}).Debug("readPump closed unexpectedly")
			}
			break
		}

		c.stats.tx.add(len(data), c.stats.connectedAt)

		if mt != websocket.TextMessage {
			log.WithField("client", c.name).Debug("ignoring non-text message")
			continue
		}

		// the intent is recorded here, in arrival order; only the wait for
		// an acquisition runs on its own goroutine
		wait, err := c.router.Dispatch(c, data)
		if err != nil {
			log.WithFields(log.Fields{"client": c.name, "error": err}).Info("intent failed")
			continue
		}

		if wait != nil {
			go func() {
				if err := wait(ctx); err != nil {
					log.WithFields(log.Fields{"client": c.name, "error": err}).Info("intent failed")
				}
			}()
		}
	}
}

// writePump pumps updates from the watchers to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(closed <-chan struct{}, cancelled <-chan struct{}) {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("client", c.name).Trace("write pump dead")
	}()

	for {
		select {

		case data := <-c.send:

			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithFields(log.Fields{"client": c.name, "error": err}).Debug("writePump writing error")
				return
			}

			c.stats.rx.add(len(data), c.stats.connectedAt)

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			c.close(websocket.CloseGoingAway, "server shutting down")
			return

		case <-cancelled:
			c.close(websocket.ClosePolicyViolation, "token expired")
			log.WithField("client", c.name).Info("token expired, closing connection")
			return

		case <-c.done:
			return
		}
	}
}

// close sends a close frame, ignoring errors since the connection is going
// away regardless
func (c *Client) close(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
