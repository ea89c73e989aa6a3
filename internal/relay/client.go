package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/docsync/internal/relay/wire"
)

const sendBuffer = 256

// client is one WebSocket member of a room
type client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	awareness map[string]struct{} // awareness client ids announced over this connection
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:      conn,
		logger:    logger,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		awareness: make(map[string]struct{}),
	}
}

// enqueue queues a frame. A client too slow to drain its queue is dropped.
func (c *client) enqueue(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("Dropping slow client")
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) announce(set, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range set {
		c.awareness[id] = struct{}{}
	}
	for _, id := range removed {
		delete(c.awareness, id)
	}
}

func (c *client) announced() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.awareness))
	for id := range c.awareness {
		ids = append(ids, id)
	}
	return ids
}

func (c *client) readPump(room *Room) {
	defer c.close()

	c.conn.SetReadLimit(wire.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(wire.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wire.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Connection closed", "error", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Debug("Dropping frame", "error", err)
			continue
		}
		room.handle(c, f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(wire.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wire.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wire.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
