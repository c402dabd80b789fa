package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Timing and size constants: a generous pong wait with pings at 9/10
// of it, and a 512KB cap on a single frame.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Upgrader is shared by every HTTP handler that upgrades a request to a
// sync connection. Origin checking is intentionally permissive:
// transport-level access control is out of scope for this service.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn adapts a *websocket.Conn to transport.Conn. Writes (including
// the keepalive ping loop it runs internally) are serialized with a
// mutex since gorilla/websocket forbids concurrent writers on one
// connection.
type WSConn struct {
	conn *websocket.Conn
	path string

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps conn, already upgraded, as a transport.Conn keyed by
// path. It starts the ping loop immediately.
func NewWSConn(conn *websocket.Conn, path string) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	c := &WSConn{
		conn: conn,
		path: path,
		done: make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop()
	return c
}

func (c *WSConn) Path() string {
	return c.path
}

// Send writes one binary frame. ctx is accepted to satisfy the
// transport.Conn contract; gorilla/websocket has no context-aware write,
// so cancellation is approximated with the fixed writeWait deadline.
func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
