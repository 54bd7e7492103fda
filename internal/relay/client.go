package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client ties one websocket to its server-minted connection id. The write
// mutex serializes broadcast writes, pongs and keepalive pings on the
// single underlying socket.
type Client struct {
	conn         *websocket.Conn
	connectionID string
	writeMu      sync.Mutex
}

// NewClient wraps an accepted websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// ConnectionID returns the id assigned during attach.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

func (c *Client) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeText(data)
}

func (c *Client) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close tears the socket down; the read loop's error return does cleanup.
func (c *Client) Close() {
	c.conn.Close()
}
