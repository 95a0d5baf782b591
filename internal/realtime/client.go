package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"propchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection bound to a verified identity.
type Client struct {
	identity *models.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregistered <- c:
		case <-c.hub.shutdown:
			// The run loop is gone; remove ourselves directly.
			c.hub.drop(c)
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame := &inboundFrame{from: c}
		if err := json.Unmarshal(data, frame); err != nil {
			c.deliver(outboundFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		select {
		case c.hub.inbound <- frame:
		case <-c.hub.shutdown:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
