package sync

import (
	"github.com/google/uuid"

	"github.com/collab-docs/ysync/internal/transport"
)

// defaultSendQueueCapacity is the per-client backpressure bound used
// when the configured capacity is zero or negative.
const defaultSendQueueCapacity = 1024

// ClientEntry is one connected peer, owned by exactly one Room from
// admission until disconnect. ClientID is the server-assigned,
// monotonically increasing wire identity; ID is a uuid used only for
// logging and map keys.
type ClientEntry struct {
	ID       string
	ClientID uint64

	conn  transport.Conn
	send  chan []byte
	proto *Protocol
}

func newClientEntry(clientID uint64, conn transport.Conn, proto *Protocol, queueCapacity int) *ClientEntry {
	if queueCapacity <= 0 {
		queueCapacity = defaultSendQueueCapacity
	}
	return &ClientEntry{
		ID:       uuid.NewString(),
		ClientID: clientID,
		conn:     conn,
		send:     make(chan []byte, queueCapacity),
		proto:    proto,
	}
}

// enqueue attempts a non-blocking send into this client's outbound
// queue. false means the queue is full: the caller (Room) must
// disconnect this client with SlowConsumer rather than block the whole
// room on one slow peer.
func (c *ClientEntry) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
