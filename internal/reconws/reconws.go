/*
   reconws is websocket client that automatically reconnects
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>
   Copyright (C) 2026 The pricewatch authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reconws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// WsMessage represents a websocket message
type WsMessage struct {
	Data []byte
	Type int
}

// ReconWs represents a websocket client that will reconnect if the connection is closed
// connects (retrying/reconnecting if necessary) to websocket server at url
type ReconWs struct {
	ConnectedAt time.Time
	In          chan WsMessage
	Out         chan WsMessage
	Retry       RetryConfig
	ID          string

	// Header is sent with every dial, e.g. for an Authorization bearer
	Header http.Header

	// Hello, if set, is called after every successful dial and its messages
	// are sent before anything from Out. Subscriptions are restored this way
	// after a reconnect.
	Hello func() []WsMessage

	// Connections receives the running count of successful dials, if
	// there is room
	Connections chan int

	count int64
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// New returns a pointer to a new reconnecting websocket client ReconWs
func New() *ReconWs {
	r := &ReconWs{
		// don't initialise connectedAt; set when connected
		In:  make(chan WsMessage),
		Out: make(chan WsMessage),
		Retry: RetryConfig{Factor: 2,
			Min:    1 * time.Second,
			Max:    10 * time.Second,
			Jitter: false},
		ID:          uuid.New().String()[0:6],
		Connections: make(chan int, 16),
	}
	return r
}

// Reconnect dials url, and dials again with backoff whenever the connection
// drops, until ctx is cancelled. Run it in its own goroutine.
func (r *ReconWs) Reconnect(ctx context.Context, url string) {

	id := "reconws.Reconnect(" + r.ID + ")"

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithCancel(ctx)

		connected, err := r.Dial(dialCtx, url)
		cancel()

		log.WithField("error", err).Debugf("%s: dial finished", id)

		if connected {
			boff.Reset()
			continue
		}

		d := boff.Duration()
		log.WithFields(log.Fields{"error": err, "retry": d}).Tracef("%s: dial failed, backing off", id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Dial the websocket server once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the context is cancelled or the connection drops.
// connected reports whether the dial itself succeeded.
func (r *ReconWs) Dial(ctx context.Context, urlStr string) (connected bool, err error) {

	id := "reconws.Dial(" + r.ID + ")"

	if urlStr == "" {
		return false, errors.New("can't dial an empty url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		return false, err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return false, errors.New("url needs to start with ws or wss")
	}

	if u.User != nil {
		return false, errors.New("url can't contain user name and password")
	}

	log.WithField("to", u.Host).Tracef("%s: connecting", id)

	c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, r.Header)

	if err != nil {
		log.WithField("error", err).Debugf("%s: dialing error", id)
		return false, err
	}

	defer c.Close()

	r.ConnectedAt = time.Now()

	select {
	case r.Connections <- int(atomic.AddInt64(&r.count, 1)):
	default:
	}

	log.WithField("to", u.Host).Debugf("%s: connected", id)

	if r.Hello != nil {
		for _, msg := range r.Hello() {
			if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
				return true, err
			}
		}
	}

	readClosed := make(chan struct{})

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				// expected on a normal exit, since the writer closes conn
				log.WithField("error", err).Debugf("%s: error reading from conn; closing", id)
				return
			}
			select {
			case r.In <- WsMessage{Data: data, Type: mt}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {

		case <-readClosed:
			return true, nil

		case msg := <-r.Out:
			if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
				log.WithField("error", err).Debugf("%s: error writing to conn; closing", id)
				return true, err
			}

		case <-ctx.Done():
			// Cleanly close the connection by sending a close message
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Debugf("%s: error sending close message", id)
			}
			return true, nil
		}
	}
}
