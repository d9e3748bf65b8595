package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds the per-client event queue; a stalled client drops
	// events rather than blocking the bus.
	sendBuffer = 64
)

// Client is one connected WebSocket subscriber.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
	done chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, sendBuffer),
		done: make(chan struct{}),
	}
}

// SendEvent queues an event for delivery. Never blocks; events to a slow
// client are dropped.
func (c *Client) SendEvent(event bus.Event) {
	select {
	case c.send <- event:
	default:
		slog.Debug("gateway client queue full, event dropped", "id", c.id, "event", event.Name)
	}
}

// Run pumps events to the connection until the client disconnects or ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.readPump()
	c.writePump(ctx)
}

// readPump discards inbound frames; the stream is one-way. It exists to
// process control frames and to notice disconnects.
func (c *Client) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
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

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
