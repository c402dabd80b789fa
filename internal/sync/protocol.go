package sync

import (
	"sync"

	"github.com/collab-docs/ysync/internal/wire"
)

// Document is the opaque CRDT replica contract Protocol is written
// against. internal/crdt.Doc satisfies it; tests may supply a
// fake. origin is handed through to the document's update subscribers,
// so a subscriber that drives a Protocol can skip the updates that
// Protocol itself applied.
type Document interface {
	StateVector() []byte
	EncodeDiff(remoteStateVector []byte) ([]byte, error)
	Apply(update []byte, origin any) (applied bool, err error)
}

// Role distinguishes the one asymmetry in an otherwise symmetric
// protocol: on receiving a peer's SyncStep1, the server
// additionally sends its own unsolicited SyncStep1 so the round trip
// completes in both directions within one RTT.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Result is what handling one sync sub-message produces: frames to send
// back to whoever sent the frame, and update bytes that were actually
// applied to Document (for the caller to persist and/or fan out to other
// peers). Applied is nil when nothing changed.
type Result struct {
	Replies [][]byte
	Applied []byte
}

// Protocol is the symmetric sync handshake state machine, bound to one
// Document and one peer connection. Client and server both construct
// one per connection.
type Protocol struct {
	doc  Document
	role Role

	mu       sync.Mutex
	synced   bool
	syncedCh chan struct{}
}

// NewProtocol returns a Protocol ready to drive the handshake for doc in
// the given role.
func NewProtocol(doc Document, role Role) *Protocol {
	return &Protocol{
		doc:      doc,
		role:     role,
		syncedCh: make(chan struct{}),
	}
}

// EncodeStep1 builds the opening SyncStep1 frame this side sends at
// connection start.
func (p *Protocol) EncodeStep1() []byte {
	return wire.EncodeSyncStep1(p.doc.StateVector())
}

// HandleSync dispatches one decoded sync sub-message: SyncStep1 gets a
// diff reply (plus the server's own SyncStep1), SyncStep2 applies and
// latches the synced state, Update just applies.
func (p *Protocol) HandleSync(msg *wire.SyncMessage) (Result, error) {
	switch msg.SubType {
	case wire.SyncStep1:
		diff, err := p.doc.EncodeDiff(msg.Payload)
		if err != nil {
			return Result{}, err
		}

		replies := [][]byte{wire.EncodeSyncStep2(diff)}
		if p.role == RoleServer {
			replies = append(replies, p.EncodeStep1())
		}
		return Result{Replies: replies}, nil

	case wire.SyncStep2:
		applied, err := p.doc.Apply(msg.Payload, p)
		if err != nil {
			return Result{}, err
		}
		p.markSynced()
		if applied {
			return Result{Applied: msg.Payload}, nil
		}
		return Result{}, nil

	case wire.SyncUpdate:
		applied, err := p.doc.Apply(msg.Payload, p)
		if err != nil {
			return Result{}, err
		}
		if applied {
			return Result{Applied: msg.Payload}, nil
		}
		return Result{}, nil

	default:
		return Result{}, &wire.DecodeError{Reason: "unknown sync sub-type"}
	}
}

func (p *Protocol) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.synced {
		p.synced = true
		close(p.syncedCh)
	}
}

// Synced is closed exactly once, the instant this side has received its
// first SyncStep2.
func (p *Protocol) Synced() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncedCh
}

// IsSynced reports the current latched state without blocking.
func (p *Protocol) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Reset clears the synced latch, for a Provider binding a fresh
// connection to the same document after a disconnect.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = false
	p.syncedCh = make(chan struct{})
}
