// Package gateway implements Gateway (§4.7): a per-client WebSocket
// event channel plus the HTTP admission/observability surface, both
// deferring business decisions to SessionManager, TransferEngine, and
// the Coordinator. Exactly one goroutine writes to a given
// websocket.Conn at a time.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// inboundMessage is the wire shape of a client->server event (§6).
type inboundMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackId,omitempty"`
}

// outboundMessage is the wire shape of a server->client event, or an
// ack response to a specific inbound message.
type outboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	AckID   string      `json:"ackId,omitempty"`
}

// Conn is one client's bidirectional event channel. All writes to the
// underlying socket happen on the single writePump goroutine; every
// other goroutine hands off via send.
type Conn struct {
	ws       *websocket.Conn
	socketID string
	clientID string

	send chan outboundMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, socketID string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:       ws,
		socketID: socketID,
		send:     make(chan outboundMessage, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// context returns the connection's lifetime context, cancelled on close.
func (c *Conn) context() context.Context { return c.ctx }

// Emit enqueues event/payload for delivery, satisfying both
// cluster.Socket and the ack-callback surface of §4.7. Never blocks
// indefinitely: a full send buffer means a wedged connection, and
// those get the same non-blocking treatment as pubsub.Local delivery.
func (c *Conn) Emit(event string, payload interface{}) error {
	return c.emit(outboundMessage{Event: event, Payload: payload})
}

func (c *Conn) emit(msg outboundMessage) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		log.WithFields(log.Fields{"socketId": c.socketID, "event": msg.Event}).
			Warn("gateway: dropping message, send buffer full")
		return nil
	}
}

func (c *Conn) ackTo(ackID string, payload interface{}) {
	if ackID == "" {
		return
	}
	_ = c.emit(outboundMessage{AckID: ackID, Payload: payload})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump owns every write to ws; it exits when done is closed.
func (c *Conn) writePump() {
	var ticker = time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.WithError(err).WithField("socketId", c.socketID).Warn("gateway: write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump reads inbound frames and dispatches them via handle, until
// the connection errors or closes.
func (c *Conn) readPump(handle func(*Conn, inboundMessage)) {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("socketId", c.socketID).Warn("gateway: unexpected close")
			}
			return
		}
		handle(c, msg)
	}
}
