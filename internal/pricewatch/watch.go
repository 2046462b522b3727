package pricewatch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/practable/pricewatch/internal/protocol"
	"github.com/practable/pricewatch/internal/reconws"
	log "github.com/sirupsen/logrus"
)

// Watch subscribes to keys at url and writes one line per update to out
// until ctx is cancelled. Subscriptions are sent again after every
// reconnection. bearer may be empty.
func Watch(ctx context.Context, url, bearer string, keys []string, out io.Writer) error {

	if len(keys) == 0 {
		return fmt.Errorf("nothing to watch")
	}

	r := reconws.New()

	if bearer != "" {
		r.Header = http.Header{"Authorization": []string{"Bearer " + bearer}}
	}

	r.Hello = func() []reconws.WsMessage {
		msgs := []reconws.WsMessage{}
		for _, k := range keys {
			msgs = append(msgs, reconws.WsMessage{
				Data: protocol.NewSubscribe(k),
				Type: websocket.TextMessage,
			})
		}
		return msgs
	}

	go r.Reconnect(ctx, url)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.In:
			u, err := protocol.DecodeUpdate(msg.Data)
			if err != nil {
				log.WithField("error", err).Debug("watch: ignoring message")
				continue
			}
			if _, err := fmt.Fprintf(out, "%s %s\n", u.Key, u.Value); err != nil {
				return err
			}
		}
	}
}
