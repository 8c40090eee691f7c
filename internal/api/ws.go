package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/hub"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamRequest is a client control frame on the bucket stream.
type streamRequest struct {
	Action     string   `json:"action"` // subscribe | unsubscribe | ping
	Symbols    []string `json:"symbols,omitempty"`
	Expiries   []string `json:"expiries,omitempty"`
	StrikeLow  *float64 `json:"strike_low,omitempty"`
	StrikeHigh *float64 `json:"strike_high,omitempty"`
}

// streamAck confirms a control frame.
type streamAck struct {
	Type   string `json:"type"` // "ack"
	Action string `json:"action"`
}

// streamClient owns one WebSocket connection. Bucket snapshots flow from
// the hub subscription into send; control frames adjust the filter by
// swapping the subscription.
type streamClient struct {
	conn *websocket.Conn
	hub  *hub.Hub
	send chan []byte
	done chan struct{}

	mu  sync.Mutex
	sub *hub.Subscription
	gen int
}

// GET /api/v1/fo/stream
//
// WebSocket bucket stream. Clients send subscribe frames to set a filter;
// flushed buckets matching it arrive as JSON snapshots.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{
		conn: conn,
		hub:  s.hub,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}

	go c.writePump()
	c.readPump()
}

func (c *streamClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueueJSON(map[string]string{"type": "error", "message": "bad frame"})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.resubscribe(hub.Filter{
				Symbols:    req.Symbols,
				Expiries:   req.Expiries,
				StrikeLow:  req.StrikeLow,
				StrikeHigh: req.StrikeHigh,
			})
			c.enqueueJSON(streamAck{Type: "ack", Action: "subscribe"})
		case "unsubscribe":
			c.unsubscribe()
			c.enqueueJSON(streamAck{Type: "ack", Action: "unsubscribe"})
		case "ping":
			c.enqueueJSON(map[string]string{"type": "pong"})
		default:
			c.enqueueJSON(map[string]string{"type": "error", "message": "unknown action"})
		}
	}
}

// resubscribe swaps the hub subscription under a new filter. The previous
// forwarder exits when its channel closes.
func (c *streamClient) resubscribe(filter hub.Filter) {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
	}
	c.gen++
	gen := c.gen
	sub := c.hub.Subscribe(filter)
	c.sub = sub
	c.mu.Unlock()

	go c.forward(sub, gen)
}

func (c *streamClient) unsubscribe() {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.gen++
	c.mu.Unlock()
}

// forward copies hub messages into the send queue until the subscription
// closes. A close that was not triggered by a filter swap means the hub
// dropped this client as a slow consumer; the connection ends.
func (c *streamClient) forward(sub *hub.Subscription, gen int) {
	for msg := range sub.C {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		case <-c.done:
			return
		}
	}

	c.mu.Lock()
	replaced := c.gen != gen
	c.mu.Unlock()
	if !replaced {
		log.Debug().Msg("hub dropped stream client, closing connection")
		c.shutdown()
	}
}

func (c *streamClient) enqueueJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) shutdown() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
