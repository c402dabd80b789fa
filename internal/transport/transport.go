// Package transport adapts a WebSocket connection to the capability
// contract the sync core consumes: a path, a send operation, and a
// lazy receive sequence that ends when the connection closes. Nothing
// above this package imports gorilla/websocket directly.
package transport

import "context"

// Conn is the capability contract the sync core is written against.
// Implementations need not be backed by a real network socket; tests use
// an in-memory pipe.
type Conn interface {
	// Path identifies which room this connection belongs to.
	Path() string

	// Send enqueues one binary frame. It may block until the frame is
	// written or the connection closes.
	Send(ctx context.Context, frame []byte) error

	// Recv returns the next binary frame. Any error, including a clean
	// close, ends the receive sequence; callers should stop reading
	// after the first error.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}
