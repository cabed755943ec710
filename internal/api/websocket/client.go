package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one dashboard websocket session. Rooms control which
// broadcast frames the session receives; every session starts in the
// monitoring room.
type Client struct {
	ID   uuid.UUID
	hub  *MonitorHub
	conn *websocket.Conn
	send chan *Message

	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]bool
}

// clientCommand is the inbound control frame a session may send.
type clientCommand struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// NewClient wraps an upgraded connection.
func NewClient(hub *MonitorHub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:     uuid.New(),
		hub:    hub,
		conn:   conn,
		send:   make(chan *Message, 64),
		logger: logger,
		rooms:  make(map[string]bool),
	}
}

func (c *Client) joinRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *Client) leaveRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

// trySend queues a frame without blocking the hub loop.
func (c *Client) trySend(msg *Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) ping() {
	c.trySend(nil) // nil message is written out as a ping control frame
}

// ReadPump consumes inbound control frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err))
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Debug("discarding malformed client frame",
				zap.String("client_id", c.ID.String()))
			continue
		}

		switch cmd.Action {
		case "join":
			if cmd.Room != "" {
				c.joinRoom(cmd.Room)
			}
		case "leave":
			// The monitoring room is sticky for the life of the session.
			if cmd.Room != "" && cmd.Room != MonitoringRoom {
				c.leaveRoom(cmd.Room)
			}
		}
	}
}

// WritePump drains the send queue to the connection.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if msg == nil {
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Debug("websocket write error",
				zap.String("client_id", c.ID.String()),
				zap.Error(err))
			return
		}
	}

	// Hub closed the channel; say goodbye.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
