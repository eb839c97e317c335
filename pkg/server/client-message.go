package server

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/n0ot/screenrelay/pkg/relay"
)

// ClientMessage is the envelope of every websocket frame, in both directions.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// decodeClientMessage parses a frame received from a client into a relay event.
func decodeClientMessage(frame []byte) (relay.Event, error) {
	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return relay.Event{}, errors.Wrap(relay.ErrMalformedData, "cannot decode frame")
	}
	if msg.Event == "" {
		return relay.Event{}, errors.Wrap(relay.ErrMalformedData, "no event name")
	}

	kind, err := relay.ParseKind(msg.Event)
	if err != nil {
		return relay.Event{}, err
	}
	return relay.Event{Kind: kind, Data: msg.Data}, nil
}

// encodeClientMessage serializes a relay event into a frame for a client.
func encodeClientMessage(ev relay.Event) ([]byte, error) {
	return json.Marshal(ClientMessage{
		Event: ev.Name(),
		Data:  ev.Data,
	})
}
