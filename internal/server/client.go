package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client wraps one websocket connection. Writes are serialized by a
// mutex so the dispatcher and the engine sender can interleave safely.
type Client struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// Send delivers one {type, payload} frame. Failures are swallowed;
// a dead connection is detected by the read loop.
func (c *Client) Send(msgType string, payload map[string]any) {
	if c.conn == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		log.Debug("websocket write failed", "type", msgType, "error", err)
	}
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
