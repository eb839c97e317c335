package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/screenrelay/pkg/relay"
)

const (
	sendBuffSize   = 64 // Buffer size of channel for sending events to clients
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20 // Screen frames can be large
)

var (
	errClientStopped = errors.New("client stopped")
	errSendBuffFull  = errors.New("send buffer full")
)

// Client Represents a websocket connection on the server.
// It implements relay.Sink.
type Client struct {
	ID string

	ws            *websocket.Conn
	send          chan relay.Event // Events sent here will be serialized and written to the client
	done          chan struct{}    // Closed when client is finished
	stopOnce      sync.Once
	StoppedReason string // Reason the client was stopped

	relay        *relay.Dispatcher
	pingInterval time.Duration
	log          *logrus.Entry
}

func newClient(id string, ws *websocket.Conn, srv *Server) *Client {
	return &Client{
		ID:           id,
		ws:           ws,
		send:         make(chan relay.Event, sendBuffSize),
		done:         make(chan struct{}),
		relay:        srv.Relay,
		pingInterval: srv.PingInterval,
		log: srv.Log.WithFields(logrus.Fields{
			"conn_id": id,
			"remote":  ws.RemoteAddr().String(),
		}),
	}
}

// Send queues an event to be written to the client.
// It never blocks; if the client can't keep up, the event is dropped.
func (client *Client) Send(ev relay.Event) error {
	select {
	case <-client.done:
		return errClientStopped
	default:
	}

	select {
	case client.send <- ev:
		return nil
	default:
		return errSendBuffFull
	}
}

// start connects the client's pumps to the websocket.
func (client *Client) start() {
	go client.writePump()
	go client.readPump()
}

// Stop stops a client.
// The first reason given is the one that is kept.
func (client *Client) Stop(reason string) {
	client.stopOnce.Do(func() {
		client.StoppedReason = reason
		close(client.done)
	})
}

// Stopped returns true if the client has been stopped.
func (client *Client) Stopped() bool {
	select {
	case <-client.done:
		return true
	default:
		return false
	}
}

// readPump reads frames from the websocket and posts them to the relay.
func (client *Client) readPump() {
	defer func() {
		if err := client.relay.Disconnect(client.ID); err != nil && errors.Cause(err) != relay.ErrClosed {
			client.log.WithError(err).Warn("Disconnect from relay")
		}
		client.Stop("Client disconnected")
		client.ws.Close()
		client.log.WithField("reason", client.StoppedReason).Info("Client exited")
	}()

	client.ws.SetReadLimit(maxMessageSize)
	if client.pingInterval > 0 {
		pongWait := 2 * client.pingInterval
		client.ws.SetReadDeadline(time.Now().Add(pongWait))
		client.ws.SetPongHandler(func(string) error {
			return client.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, frame, err := client.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				client.log.WithError(err).Warn("Read error")
				client.Stop("Receive error")
			}
			return
		}
		if client.pingInterval > 0 {
			client.ws.SetReadDeadline(time.Now().Add(2 * client.pingInterval))
		}

		ev, err := decodeClientMessage(frame)
		if err != nil {
			client.log.WithError(err).Debug("Rejected frame")
			client.Send(relay.ErrorEvent(err))
			continue
		}

		if err := client.relay.Receive(client.ID, ev); err != nil {
			client.Stop("Relay closed")
			return
		}
	}
}

// writePump serializes events from the send channel, and writes them to the websocket.
func (client *Client) writePump() {
	var pingCH <-chan time.Time
	if client.pingInterval > 0 {
		ticker := time.NewTicker(client.pingInterval)
		defer ticker.Stop()
		pingCH = ticker.C
	}
	defer client.ws.Close()

	for {
		select {
		case ev := <-client.send:
			frame, err := encodeClientMessage(ev)
			if err != nil {
				client.log.WithError(err).WithField("event", ev.Name()).Error("Encode event")
				continue
			}
			client.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Stop("Send error")
				return
			}
		case <-pingCH:
			client.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Stop("Ping error")
				return
			}
		case <-client.done:
			client.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, client.StoppedReason),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (client *Client) String() string {
	return fmt.Sprintf("client %s", client.ID)
}
