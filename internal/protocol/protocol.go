// Package protocol defines the messages exchanged with pricewatch clients
// over the websocket, and the normalisation of subscription keys.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotUpdate is returned by DecodeUpdate for messages without a key
var ErrNotUpdate = errors.New("not an update")

// Kind identifies which of the recognised inbound messages was received
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindUnsubscribe
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Message is an inbound client intent, decoded from JSON
type Message struct {
	Kind Kind
	Key  string // normalised
}

// Update is sent to every client subscribed to Key, once per produced value
type Update struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// inbound is the wire format. Ticker is accepted for older clients that
// predate the generic key field.
type inbound struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	Ticker string `json:"ticker,omitempty"`
}

// NormalizeKey trims and upper-cases a key, so that "btcusd " and "BTCUSD"
// select the same watcher.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Decode parses a client message. Malformed input, or an unrecognised type,
// returns a Message of KindUnknown rather than an error, because clients
// cannot be relied on to send well-formed messages.
func Decode(data []byte) Message {

	var in inbound

	if err := json.Unmarshal(data, &in); err != nil {
		return Message{Kind: KindUnknown}
	}

	key := in.Key
	if key == "" {
		key = in.Ticker
	}

	m := Message{Key: NormalizeKey(key)}

	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case "subscribe":
		m.Kind = KindSubscribe
	case "unsubscribe":
		m.Kind = KindUnsubscribe
	default:
		m.Kind = KindUnknown
	}

	return m
}

// Encode marshals an outbound update
func Encode(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an outbound update, for clients
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return u, err
	}
	if u.Key == "" {
		return u, ErrNotUpdate
	}
	return u, nil
}

// NewSubscribe returns the wire form of a subscribe request, for clients
func NewSubscribe(key string) []byte {
	b, _ := json.Marshal(inbound{Type: "subscribe", Key: key})
	return b
}

// NewUnsubscribe returns the wire form of an unsubscribe request, for clients
func NewUnsubscribe(key string) []byte {
	b, _ := json.Marshal(inbound{Type: "unsubscribe", Key: key})
	return b
}
